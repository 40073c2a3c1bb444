package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
)

type scenario struct {
	Name        string
	Description string
}

type model struct {
	baseURL     string
	scenarios   []scenario
	selectedScn int
	status      string
	details     string
	busy        bool
}

var scenarios = []scenario{
	{"build", "Build an order with a percent coupon"},
	{"refund", "Build, pay, then refund and restock"},
	{"coupon", "Build with a fixed-amount coupon"},
	{"oos", "Out of stock on the second line"},
	{"illegal", "Ship a refunded order"},
	{"race", "Concurrent builds for the last unit"},
	{"bench", "Run benchmark"},
}

func initialModel(baseURL string) model {
	return model{baseURL: baseURL, scenarios: scenarios, status: "Ready"}
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "up":
			if m.selectedScn > 0 {
				m.selectedScn--
			}
		case "down":
			if m.selectedScn < len(m.scenarios)-1 {
				m.selectedScn++
			}
		case "enter":
			if m.busy {
				return m, nil
			}
			m.busy = true
			m.status = "Running..."
			m.details = ""
			return m, runScenarioCmd(m.baseURL, m.scenarios[m.selectedScn].Name)
		}
	case scenarioResult:
		m.busy = false
		m.status = msg.status
		m.details = msg.details
	}
	return m, nil
}

func (m model) View() string {
	b := &strings.Builder{}
	fmt.Fprintln(b, "storefront-orders CLI")
	fmt.Fprintf(b, "target: %s\n\n", m.baseURL)
	fmt.Fprintln(b, "Scenarios:")
	for i, scn := range m.scenarios {
		marker := " "
		if i == m.selectedScn {
			marker = ">"
		}
		fmt.Fprintf(b, " %s %-8s %s\n", marker, scn.Name, scn.Description)
	}
	fmt.Fprintln(b, "")
	fmt.Fprintf(b, "Status: %s\n", m.status)
	if m.details != "" {
		fmt.Fprintln(b, m.details)
	}
	fmt.Fprintln(b, "\nControls: up/down select scenario, enter to run, q to quit")
	return b.String()
}

type scenarioResult struct {
	status  string
	details string
}

type client struct {
	baseURL string
	http    *http.Client
}

type response struct {
	Code int
	Body map[string]any
}

func (c *client) do(method, path string, payload any, idemKey string) (response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return response{}, err
		}
		body = bytes.NewReader(data)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.baseURL, "/")+path, body)
	if err != nil {
		return response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()
	out := response{Code: resp.StatusCode}
	data, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(data, &out.Body)
	return out, nil
}

func (c *client) build(lines [][2]int64, couponID int64) (response, error) {
	items := make([]map[string]any, 0, len(lines))
	for _, l := range lines {
		items = append(items, map[string]any{"item_id": l[0], "quantity": l[1]})
	}
	req := map[string]any{"store_id": 1, "customer_id": 1, "lines": items, "destination": "demo street 1"}
	if couponID != 0 {
		req["coupon_id"] = couponID
	}
	return c.do(http.MethodPost, "/api/v1/orders", req, uuid.NewString())
}

func (c *client) transition(id any, status string) (response, error) {
	return c.do(http.MethodPost, fmt.Sprintf("/api/v1/orders/%v/status", id), map[string]any{"status": status}, "")
}

func summary(r response) string {
	data, _ := json.Marshal(r.Body)
	return fmt.Sprintf("%d %s", r.Code, data)
}

func runScenarioCmd(baseURL, scn string) tea.Cmd {
	return func() tea.Msg {
		return runScenario(&client{baseURL: baseURL, http: &http.Client{Timeout: 10 * time.Second}}, scn)
	}
}

func runScenario(c *client, scn string) scenarioResult {
	fail := func(err error) scenarioResult { return scenarioResult{status: fmt.Sprintf("%s failed: %v", scn, err)} }

	switch scn {
	case "build", "coupon":
		couponID := int64(1)
		if scn == "coupon" {
			couponID = 2
		}
		r, err := c.build([][2]int64{{1, 2}, {2, 1}}, couponID)
		if err != nil {
			return fail(err)
		}
		return scenarioResult{status: "Build finished", details: summary(r)}
	case "refund":
		r, err := c.build([][2]int64{{1, 3}}, 0)
		if err != nil {
			return fail(err)
		}
		id := r.Body["order_id"]
		steps := []string{"build: " + summary(r)}
		for _, st := range []string{"PAID", "REFUND"} {
			r, err = c.transition(id, st)
			if err != nil {
				return fail(err)
			}
			steps = append(steps, fmt.Sprintf("%s: %d status=%v", st, r.Code, r.Body["status"]))
		}
		logs, err := c.do(http.MethodGet, fmt.Sprintf("/api/v1/orders/%v/logs", id), nil, "")
		if err != nil {
			return fail(err)
		}
		steps = append(steps, "logs: "+summary(logs))
		return scenarioResult{status: "Refund finished", details: strings.Join(steps, "\n")}
	case "oos":
		r, err := c.build([][2]int64{{1, 1}, {2, 999}}, 0)
		if err != nil {
			return fail(err)
		}
		return scenarioResult{status: "Out of stock scenario finished", details: summary(r)}
	case "illegal":
		r, err := c.build([][2]int64{{2, 1}}, 0)
		if err != nil {
			return fail(err)
		}
		id := r.Body["order_id"]
		if _, err := c.transition(id, "REFUND"); err != nil {
			return fail(err)
		}
		r, err = c.transition(id, "SHIPPED")
		if err != nil {
			return fail(err)
		}
		return scenarioResult{status: "Illegal transition scenario finished", details: summary(r)}
	case "race":
		return scenarioResult{status: "Race finished", details: runRace(c, 3, 10)}
	case "bench":
		return scenarioResult{status: "Benchmark finished", details: runBenchmark(c)}
	default:
		return scenarioResult{status: fmt.Sprintf("unknown scenario %q", scn)}
	}
}

// runRace fires concurrent single-unit builds for one item and tallies
// response codes.
func runRace(c *client, itemID int64, callers int) string {
	var mu sync.Mutex
	codes := map[int]int{}
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := c.build([][2]int64{{itemID, 1}}, 0)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				codes[0]++
				return
			}
			codes[r.Code]++
		}()
	}
	wg.Wait()
	return fmt.Sprintf("created=%d out_of_stock=%d other=%d", codes[http.StatusCreated], codes[http.StatusConflict], callers-codes[http.StatusCreated]-codes[http.StatusConflict])
}

func runBenchmark(c *client) string {
	duration := 5 * time.Second
	vus := 5
	var mu sync.Mutex
	var total time.Duration
	var count int
	var errors int
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < vus; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				default:
					start := time.Now()
					r, err := c.build([][2]int64{{1, 1}}, 0)
					mu.Lock()
					if err != nil || r.Code != http.StatusCreated {
						errors++
					} else {
						count++
						total += time.Since(start)
					}
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	avg := time.Duration(0)
	if count > 0 {
		avg = total / time.Duration(count)
	}
	throughput := float64(count) / duration.Seconds()
	return fmt.Sprintf("count=%d errors=%d avg=%s throughput=%.2f orders/s", count, errors, avg, throughput)
}

func main() {
	runCmd := flag.String("run", "", "run scenario: build|refund|coupon|oos|illegal|race|bench")
	baseURL := flag.String("url", getenv("ORDER_BASE_URL", "http://localhost:8080"), "order-service base URL")
	flag.Parse()

	if *runCmd != "" {
		res := runScenario(&client{baseURL: *baseURL, http: &http.Client{Timeout: 10 * time.Second}}, *runCmd)
		fmt.Println(res.status)
		if res.details != "" {
			fmt.Println(res.details)
		}
		return
	}

	p := tea.NewProgram(initialModel(*baseURL))
	if _, err := p.Run(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func getenv(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}
