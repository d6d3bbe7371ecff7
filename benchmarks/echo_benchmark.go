package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

func main() {
	fmt.Println("🚀 Graceful Echo 并发回显压测")

	// 测试参数
	const (
		numClients  = 50
		numRequests = 2000 // 每个客户端的请求数
	)
	host := "127.0.0.1:8080"
	if len(os.Args) > 1 {
		host = os.Args[1]
	}

	fmt.Printf("测试配置:\n")
	fmt.Printf("- 目标: %s\n", host)
	fmt.Printf("- 并发客户端: %d\n", numClients)
	fmt.Printf("- 每客户端请求数: %d\n", numRequests)
	fmt.Println()

	if err := runEchoBenchmark(host, numClients, numRequests); err != nil {
		fmt.Printf("❌ 压测失败: %v\n", err)
		os.Exit(1)
	}
}

// runEchoBenchmark 运行回显基准测试
func runEchoBenchmark(host string, numClients, numRequests int) error {
	var (
		totalRequests int64
		totalErrors   int64
		totalLatency  int64
		minLatency    int64 = 999999999
		maxLatency    int64
	)

	startTime := time.Now()
	var g errgroup.Group

	// 启动客户端
	for i := 0; i < numClients; i++ {
		clientID := i
		g.Go(func() error {
			// 建立连接
			conn, err := net.Dial("tcp", host)
			if err != nil {
				return fmt.Errorf("客户端 %d 连接失败: %w", clientID, err)
			}
			defer conn.Close()

			reader := bufio.NewReader(conn)
			for j := 0; j < numRequests; j++ {
				requestStart := time.Now()

				msg := fmt.Sprintf("client_%d_req_%d", clientID, j)
				if _, err := conn.Write([]byte(msg)); err != nil {
					atomic.AddInt64(&totalErrors, 1)
					return fmt.Errorf("客户端 %d 写入失败: %w", clientID, err)
				}

				// 每个回显以后缀的换行结尾
				if _, err := reader.ReadString('\n'); err != nil {
					atomic.AddInt64(&totalErrors, 1)
					return fmt.Errorf("客户端 %d 读取失败: %w", clientID, err)
				}

				latency := time.Since(requestStart).Nanoseconds()
				atomic.AddInt64(&totalRequests, 1)
				atomic.AddInt64(&totalLatency, latency)
				updateMin(&minLatency, latency)
				updateMax(&maxLatency, latency)
			}
			return nil
		})
	}

	err := g.Wait()
	duration := time.Since(startTime)

	fmt.Println("====== 回显性能测试结果 ======")
	fmt.Printf("- 总请求数: %d\n", totalRequests)
	fmt.Printf("- 错误数: %d\n", totalErrors)
	fmt.Printf("- 总耗时: %v\n", duration)
	if totalRequests > 0 {
		fmt.Printf("- QPS: %.2f\n", float64(totalRequests)/duration.Seconds())
		fmt.Printf("- 平均延迟: %v\n", time.Duration(totalLatency/totalRequests))
		fmt.Printf("- 最小延迟: %v\n", time.Duration(minLatency))
		fmt.Printf("- 最大延迟: %v\n", time.Duration(maxLatency))
	}

	return err
}

func updateMin(addr *int64, v int64) {
	for {
		cur := atomic.LoadInt64(addr)
		if v >= cur || atomic.CompareAndSwapInt64(addr, cur, v) {
			return
		}
	}
}

func updateMax(addr *int64, v int64) {
	for {
		cur := atomic.LoadInt64(addr)
		if v <= cur || atomic.CompareAndSwapInt64(addr, cur, v) {
			return
		}
	}
}
