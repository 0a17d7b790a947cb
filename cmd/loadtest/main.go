package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"storefront/internal/middleware"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status int
	Body   string
	Err    error
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	productID := flag.Uint("product", 1, "product id")
	userID := flag.Uint("user", 1, "user id used as token subject")
	secret := flag.String("secret", "dev-secret", "JWT_SECRET of the server")

	// 超卖测试：N 个请求并发抢同一商品各 1 件
	total := flag.Int("n", 200, "checkout requests")
	concurrency := flag.Int("c", 50, "max concurrency")
	burst := flag.Int("burst", 50, "requests in the rate limit burst")
	flag.Parse()

	token, err := middleware.IssueToken([]byte(*secret), uint(*userID), time.Hour)
	if err != nil {
		panic(fmt.Sprintf("issue token: %v", err))
	}
	client := &http.Client{Timeout: 10 * time.Second}

	before, err := getStock(client, *baseURL, *productID)
	if err != nil {
		panic(fmt.Sprintf("read stock: %v", err))
	}
	fmt.Printf("start oversell test: product=%d stock=%d requests=%d concurrency=%d\n", *productID, before, *total, *concurrency)

	results := run(*total, *concurrency, func(int) Result {
		return checkoutOnce(client, *baseURL, token, *productID)
	})
	printSummary("oversell", results)

	after, err := getStock(client, *baseURL, *productID)
	if err != nil {
		fmt.Println("stock check err:", err)
	} else {
		created := int64(count(results, http.StatusCreated))
		fmt.Printf("final stock: %d (expected %d)\n", after, before-created)
		if after < 0 || after != before-created {
			fmt.Println("STOCK MISMATCH")
		}
	}

	// 限流：同一用户瞬时突发，开启 Redis 时应出现 429
	fmt.Printf("\nstart rate limit test: same user, %d requests at once\n", *burst)
	results = run(*burst, *burst, func(int) Result {
		return checkoutOnce(client, *baseURL, token, *productID)
	})
	printSummary("rate_limit", results)
}

// run 以 concurrency 为上限并发执行 n 次 fn。
func run(n, concurrency int, fn func(idx int) Result) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = fn(idx)
		}(i)
	}

	wg.Wait()
	return results
}

func checkoutOnce(client *http.Client, baseURL, token string, productID uint) Result {
	b, _ := json.Marshal(map[string]any{
		"shipping_address": "loadtest",
		"items":            []map[string]any{{"product_id": productID, "quantity": 1}},
	})
	req, _ := http.NewRequest(http.MethodPost, baseURL+"/api/orders", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return Result{Status: resp.StatusCode, Body: string(body)}
}

func count(results []Result, status int) int {
	n := 0
	for _, r := range results {
		if r.Err == nil && r.Status == status {
			n++
		}
	}
	return n
}

// printSummary 聚合输出不同状态码分布。
func printSummary(name string, results []Result) {
	codes := map[int]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		codes[r.Status]++
	}
	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range []int{200, 201, 400, 401, 404, 409, 422, 429, 500} {
		if codes[code] > 0 {
			fmt.Printf("  %d -> %d\n", code, codes[code])
		}
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}

// getStock 从商品列表中读当前库存，用于压测后校验是否超卖。
func getStock(client *http.Client, baseURL string, productID uint) (int64, error) {
	resp, err := client.Get(baseURL + "/api/products")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}

	var out struct {
		Data []struct {
			ID    uint  `json:"id"`
			Stock int64 `json:"stock"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return 0, err
	}
	for _, p := range out.Data {
		if p.ID == productID {
			return p.Stock, nil
		}
	}
	return 0, fmt.Errorf("product %d not found", productID)
}
