// http-loadgen is a tiny, dependency-free HTTP load generator for the
// guardrail demo. It reuses HTTP connections (keep-alive) and supports
// concurrency so demo runs finish quickly on any platform without external
// tools.
//
// Modes:
//   - single: every request carries the same client IP
//   - spread: round-robin over -ips distinct client IPs
//   - zipf:   approximate 80/20 skew: one hot IP 4/5 of the time, cold IPs
//     for the rest
//
// Usage examples:
//
//	http-loadgen -base=http://127.0.0.1:8080 -mode=single -ip=203.0.113.7 -n=5000 -c=16
//	http-loadgen -base=http://127.0.0.1:8080 -mode=zipf -cold_ips=50 -n=8000 -c=16
//	http-loadgen -base=http://127.0.0.1:8080 -path=/api/hello -ua="curl/8.0" -n=100
//
// The client IP is injected through X-Forwarded-For, which is how the demo's
// admission layer keys its limits. The summary line breaks responses down by
// status so allowed/limited/blocked proportions are visible at a glance.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type modeType string

const (
	modeSingle modeType = "single"
	modeSpread modeType = "spread"
	modeZipf   modeType = "zipf"
)

func main() {
	var (
		base  = flag.String("base", "http://127.0.0.1:8080", "Base URL including scheme and host")
		path  = flag.String("path", "/api/hello", "Request path")
		modeS = flag.String("mode", string(modeSingle), "Mode: single|spread|zipf")
		ip    = flag.String("ip", "203.0.113.7", "Client IP for single mode (sent via X-Forwarded-For)")
		ua    = flag.String("ua", "http-loadgen/1.0", "User-Agent to send")
		user  = flag.String("user", "", "If non-empty, send as X-User-Id")
		ipN   = flag.Int("ips", 50, "Distinct client IPs for spread mode")
		coldN = flag.Int("cold_ips", 50, "Number of cold IPs to round-robin in zipf mode")
		N     = flag.Int("n", 5000, "Total requests to send")
		conc  = flag.Int("c", 8, "Number of concurrent workers")
		// Deterministic skew: hotEvery=5 means 4/5 go to the hot IP.
		hotEvery = flag.Int("hot_every", 5, "Zipf-like skew period (minimum 2)")
		// Timeouts & transport tuning
		timeout    = flag.Duration("timeout", 20*time.Second, "Overall timeout for the loadgen run")
		connIdle   = flag.Duration("idle_timeout", 30*time.Second, "HTTP idle connection timeout")
		maxIdle    = flag.Int("max_idle", 256, "Max idle connections total")
		maxIdlePer = flag.Int("max_idle_per_host", 256, "Max idle connections per host")
	)
	flag.Parse()

	m := modeType(strings.ToLower(*modeS))
	if m != modeSingle && m != modeSpread && m != modeZipf {
		fmt.Fprintf(os.Stderr, "unknown -mode=%s (want single|spread|zipf)\n", *modeS)
		os.Exit(2)
	}
	if *N <= 0 || *conc <= 0 {
		fmt.Fprintln(os.Stderr, "-n and -c must be > 0")
		os.Exit(2)
	}
	if m == modeZipf {
		if *coldN <= 0 {
			fmt.Fprintln(os.Stderr, "-cold_ips must be > 0 in zipf mode")
			os.Exit(2)
		}
		if *hotEvery < 2 {
			*hotEvery = 2
		}
	}

	baseURL := strings.TrimRight(*base, "/")
	p := *path
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	fullURL := baseURL + p

	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        *maxIdle,
		MaxIdleConnsPerHost: *maxIdlePer,
		IdleConnTimeout:     *connIdle,
	}
	client := &http.Client{Transport: tr, Timeout: 5 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	start := time.Now()
	var allowed, limited, blocked, other, failed int64

	// Synthetic client addresses from the TEST-NET-3 documentation range.
	clientIP := func(workerID, i int) string {
		switch m {
		case modeSingle:
			return *ip
		case modeSpread:
			idx := (i + workerID) % *ipN
			return fmt.Sprintf("203.0.113.%d", idx%254+1)
		default: // zipf
			if ((i + workerID) % *hotEvery) != 0 {
				return "203.0.113.77"
			}
			idx := (i + workerID) % *coldN
			return fmt.Sprintf("198.51.100.%d", idx%254+1)
		}
	}

	worker := func(id, count int) {
		for i := 0; i < count; i++ {
			select {
			case <-ctx.Done():
				return
			default:
			}
			req, _ := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
			req.Header.Set("X-Forwarded-For", clientIP(id, i))
			req.Header.Set("User-Agent", *ua)
			if *user != "" {
				req.Header.Set("X-User-Id", *user)
			}
			resp, err := client.Do(req)
			if err != nil {
				atomic.AddInt64(&failed, 1)
				// Brief backoff on errors to avoid hot spinning.
				time.Sleep(200 * time.Microsecond)
				continue
			}
			// Drain and close body to enable connection reuse.
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusTooManyRequests:
				atomic.AddInt64(&limited, 1)
			case http.StatusForbidden:
				atomic.AddInt64(&blocked, 1)
			default:
				if resp.StatusCode < 400 {
					atomic.AddInt64(&allowed, 1)
				} else {
					atomic.AddInt64(&other, 1)
				}
			}
		}
	}

	per := *N / *conc
	rem := *N - per**conc
	var wg sync.WaitGroup
	wg.Add(*conc)
	for w := 0; w < *conc; w++ {
		count := per
		if w == *conc-1 {
			count += rem
		}
		go func(id, n int) {
			defer wg.Done()
			worker(id, n)
		}(w, count)
	}
	wg.Wait()

	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	ops := float64(*N) / elapsed.Seconds()
	fmt.Printf("LoadGen: mode=%s N=%d c=%d go=%d Duration=%s Throughput=%.0f req/s\n",
		m, *N, *conc, runtime.GOMAXPROCS(0), elapsed.Truncate(time.Millisecond), ops)
	fmt.Printf("Results: allowed=%d limited(429)=%d blocked(403)=%d other=%d failed=%d\n",
		allowed, limited, blocked, other, failed)
}
