package main

import (
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/myuser/uranus/internal/client"
)

func main() {
	concurrency := flag.Int("concurrency", 10, "Number of concurrent workers")
	duration := flag.Duration("duration", 10*time.Second, "Test duration")
	addr := flag.String("addr", "127.0.0.1:12322", "Server address")
	keys := flag.Int("keys", 10000, "Size of the key space")
	txnSize := flag.Int("txn-size", 1, "Writes per transaction; 1 uses autocommit")
	readRatio := flag.Float64("read-ratio", 0.5, "Fraction of operations that are reads")
	flag.Parse()

	fmt.Printf("Starting Benchmark: %d workers, %v duration, target %s\n", *concurrency, *duration, *addr)

	var ops, errs, conflicts int64
	start := time.Now()

	var wg sync.WaitGroup
	ctxDone := make(chan struct{})

	go func() {
		time.Sleep(*duration)
		close(ctxDone)
	}()

	reportErr := func(err error) {
		if n := atomic.AddInt64(&errs, 1); n <= 5 {
			fmt.Printf("Error: %v\n", err)
		}
	}

	for i := 0; i < *concurrency; i++ {
		c, err := client.Dial(*addr)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		wg.Add(1)
		go func(id int, c *client.Client) {
			defer wg.Done()
			defer c.Close()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))
			key := func() []byte { return []byte(fmt.Sprintf("user%d", r.Intn(*keys))) }

			for {
				select {
				case <-ctxDone:
					return
				default:
				}

				if r.Float64() < *readRatio {
					if _, _, err := c.Get(key()); err != nil {
						reportErr(err)
						continue
					}
					atomic.AddInt64(&ops, 1)
					continue
				}

				if *txnSize <= 1 {
					if err := c.Put(key(), []byte(fmt.Sprintf("val%d", r.Intn(1000)))); err != nil {
						reportErr(err)
						continue
					}
					atomic.AddInt64(&ops, 1)
					continue
				}

				err := runTxn(c, *txnSize, key, r)
				switch {
				case err == nil:
					atomic.AddInt64(&ops, int64(*txnSize))
				case client.IsConflict(err):
					atomic.AddInt64(&conflicts, 1)
				default:
					reportErr(err)
					c.Abort()
				}
			}
		}(i, c)
	}

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Println("Benchmark Finished.")
	fmt.Printf("Total Ops: %d\n", ops)
	fmt.Printf("Errors: %d\n", errs)
	fmt.Printf("Conflicts: %d\n", conflicts)
	fmt.Printf("Duration: %v\n", elapsed)
	fmt.Printf("RPS: %.2f\n", float64(ops)/elapsed.Seconds())
}

func runTxn(c *client.Client, n int, key func() []byte, r *rand.Rand) error {
	if _, err := c.Begin(); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := c.Put(key(), []byte(fmt.Sprintf("val%d", r.Intn(1000)))); err != nil {
			return err
		}
	}
	_, err := c.Commit()
	return err
}
