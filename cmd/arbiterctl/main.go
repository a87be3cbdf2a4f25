package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

var version = "dev"

// loadEnvFile reads ~/.arbiter/env and sets any key=value pairs not already
// present in the process environment. This lets arbiterctl work out of the
// box without shell profile configuration.
func loadEnvFile() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	data, err := os.ReadFile(home + "/.arbiter/env")
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if os.Getenv(strings.TrimSpace(k)) == "" {
			_ = os.Setenv(strings.TrimSpace(k), strings.TrimSpace(v))
		}
	}
}

func main() {
	loadEnvFile()
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "version", "--version", "-v":
		fmt.Printf("arbiterctl %s\n", version)
	case "status":
		doStatus()
	case "health":
		doHealth()
	case "arbitrate":
		doArbitrate(args)
	case "estimate":
		doEstimate(args)
	case "predict":
		doPredict(args)
	case "execute":
		doExecute(args)
	case "model", "models":
		doModels(args)
	case "provider", "providers":
		doProviders(args)
	case "budget", "budgets":
		doBudgets(args)
	case "circuit", "circuits":
		doCircuits(args)
	case "vault":
		doVault(args)
	case "decisions":
		doDecisions(args)
	case "logs":
		doLogs(args)
	case "audit":
		doAudit(args)
	case "stats":
		doStats()
	case "configuration", "config":
		doConfiguration()
	case "optimize":
		doOptimize(args)
	case "workflow", "workflows":
		doWorkflows(args)
	case "events":
		doEvents()
	case "tsdb":
		doTSDB(args)
	case "help", "--help", "-h":
		usageTo(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	usageTo(os.Stderr)
}

func usageTo(w io.Writer) {
	_, _ = fmt.Fprintf(w, `arbiterctl - CLI for the Arbiter admin API

Usage: arbiterctl <command> [arguments]

Environment:
  ARBITER_URL           Base URL (default: http://localhost:8080)

  ~/.arbiter/env        Auto-sourced on startup. Explicit environment
                        variables take precedence.

Commands:
  status                      Show server readiness and vault state
  health                      Show provider health stats

  arbitrate <json>            Run an arbitration with the given context
  estimate <model> <json>     Estimate cost of a context against a model
  predict <json>              Estimate cost for every eligible model
  execute <json>              Execute a chat request through the pipeline

  model list                  List catalog models
  model add <json>            Create or update a model
  model delete <id>           Delete a model

  provider list               List catalog providers
  provider add <json>         Create or update a provider
  provider delete <id>        Delete a provider

  budget list <tenant>        List budgets for a tenant
  budget add <json>           Create a budget
  budget update <id> <json>   Patch budget fields
  budget delete <id>          Delete a budget
  budget check <json>         Pre-flight a spend against active budgets
  budget usage <tenant>       Show current usage per budget
  budget forecast <id>        Project end-of-period spend
  budget reset <id>           Zero out recorded usage
  budget rollover <id>        Clone the budget into the next period
  budget alerts <tenant>      Show recent threshold notifications

  circuit list                List circuit breakers
  circuit reset <id>          Reset one circuit
  circuit reset-all           Reset every circuit
  circuit events <id>         Show transition history for one circuit

  vault unlock <password>     Unlock the credential vault
  vault lock                  Lock the vault
  vault rotate <new-password> Re-encrypt under a new master password
  vault set <key> <value>     Store a credential
  vault keys                  List stored credential keys
  vault delete <key>          Remove a credential

  decisions <tenant> [--limit N]  Show recent arbitration decisions
  logs <tenant> [--limit N]       Show recent execution logs
  audit [--limit N]               Show configuration change history

  workflow list [status]      List durable executions
  workflow describe <id>      Show one durable execution
  workflow history <id>       Show event history for one execution

  stats                       Show aggregated model/provider stats
  configuration               Show scoring weights and floors
  optimize <tenant>           Suggest arbitration rules from usage history
  events                      Stream real-time SSE events
  tsdb query <args>           Query the time-series store
  tsdb metrics                List recorded metric names
  tsdb prune                  Delete points past retention

  version                     Show version
  help                        Show this help

Examples:
  arbiterctl status
  arbiterctl arbitrate '{"context":{"tenant_id":"acme","task_type":"chat"}}'
  arbiterctl model add '{"id":"gpt-4o","provider_id":"openai","tier":"standard","active":true}'
  arbiterctl budget add '{"tenant_id":"acme","period":"monthly","amount":500,"start_at":"2026-08-01T00:00:00Z","end_at":"2026-09-01T00:00:00Z"}'
  arbiterctl circuit list
  arbiterctl events
`)
}

// --- HTTP helpers ---

func baseURL() string {
	if u := os.Getenv("ARBITER_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://localhost:8080"
}

func doRequest(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, baseURL()+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return http.DefaultClient.Do(req)
}

func doGet(path string) map[string]any {
	resp, err := doRequest("GET", path, nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doPost(path, bodyJSON string) map[string]any {
	resp, err := doRequest("POST", path, strings.NewReader(bodyJSON))
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doPatch(path, bodyJSON string) map[string]any {
	resp, err := doRequest("PATCH", path, strings.NewReader(bodyJSON))
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doDelete(path string) map[string]any {
	resp, err := doRequest("DELETE", path, nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func readJSON(resp *http.Response) map[string]any {
	data, err := io.ReadAll(resp.Body)
	fatal(err)
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "HTTP %d: %s\n", resp.StatusCode, string(data))
		os.Exit(1)
	}
	if len(data) == 0 {
		return map[string]any{"ok": true}
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		// Might be an array; wrap it.
		var arr []any
		if err2 := json.Unmarshal(data, &arr); err2 == nil {
			return map[string]any{"items": arr}
		}
		fmt.Println(string(data))
		os.Exit(0)
	}
	return result
}

func prettyJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

func fatal(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func requireArgs(args []string, min int, usage string) {
	if len(args) < min {
		fmt.Fprintf(os.Stderr, "usage: arbiterctl %s\n", usage)
		os.Exit(1)
	}
}

func parseLimit(args []string) int {
	for i, a := range args {
		if a == "--limit" && i+1 < len(args) {
			n, _ := strconv.Atoi(args[i+1])
			if n > 0 {
				return n
			}
		}
	}
	return 50
}

// --- Commands ---

func doStatus() {
	healthResp, err := doRequest("GET", "/healthz", nil)
	fatal(err)
	defer func() { _ = healthResp.Body.Close() }()
	hData, _ := io.ReadAll(healthResp.Body)
	var h map[string]any
	_ = json.Unmarshal(hData, &h)

	status := "unknown"
	if s, ok := h["status"].(string); ok {
		status = s
	}
	models := 0
	if n, ok := h["models"].(float64); ok {
		models = int(n)
	}

	vaultState := "unknown"
	if v := doGet("/admin/v1/vault/credentials"); v != nil {
		if v["locked"] == true {
			vaultState = "locked"
		} else {
			vaultState = "unlocked"
		}
	}

	fmt.Printf("Server:  %s\n", baseURL())
	fmt.Printf("Status:  %s\n", status)
	fmt.Printf("Models:  %d\n", models)
	fmt.Printf("Vault:   %s\n", vaultState)
}

func doHealth() {
	data := doGet("/admin/v1/health")
	statsList, _ := data["stats"].([]any)
	if len(statsList) == 0 {
		fmt.Println("No provider health data available.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PROVIDER\tSTATE\tREQUESTS\tERRORS\tCONSEC\tAVG LATENCY\tLAST ERROR")
	for _, p := range statsList {
		m, ok := p.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["provider_id"].(string)
		state := fmt.Sprintf("%v", m["state"])
		total := fmtNum(m["total_requests"])
		errs := fmtNum(m["total_errors"])
		consec := fmtNum(m["consec_errors"])
		lat := fmtDuration(m["avg_latency_ms"])
		lastErr, _ := m["last_error"].(string)
		if len(lastErr) > 60 {
			lastErr = lastErr[:57] + "..."
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", id, state, total, errs, consec, lat, lastErr)
	}
	_ = tw.Flush()
}

func doArbitrate(args []string) {
	requireArgs(args, 1, "arbitrate <json>")
	result := doPost("/v1/arbitrate", args[0])
	fmt.Println(prettyJSON(result))
}

func doEstimate(args []string) {
	requireArgs(args, 2, "estimate <model-id> <context-json>")
	body := fmt.Sprintf(`{"model_id":%s,"context":%s}`, jsonStr(args[0]), args[1])
	result := doPost("/v1/estimate", body)
	fmt.Println(prettyJSON(result))
}

func doPredict(args []string) {
	requireArgs(args, 1, "predict <json>")
	fmt.Println(prettyJSON(doPost("/v1/predict", args[0])))
}

func doExecute(args []string) {
	requireArgs(args, 1, "execute <json>")
	start := time.Now()
	result := doPost("/v1/execute", args[0])
	latency := time.Since(start)

	fmt.Printf("Model:    %v (%v)\n", result["model_id"], result["provider_id"])
	fmt.Printf("Latency:  %v\n", latency.Round(time.Millisecond))
	fmt.Printf("Cost:     %s\n", fmtCost(result["cost_usd"]))
	fmt.Printf("Tokens:   in=%s out=%s\n", fmtNum(result["input_tokens"]), fmtNum(result["output_tokens"]))
	if result["fallback_used"] == true {
		fmt.Println("Fallback: yes")
	}
	if result["durable"] == true {
		fmt.Println("Durable:  yes")
	}
	fmt.Printf("\n%v\n", result["content"])
}

func doModels(args []string) {
	if len(args) == 0 || args[0] == "list" {
		data := doGet("/admin/v1/models")
		models, _ := data["items"].([]any)
		if len(models) == 0 {
			fmt.Println("No models registered.")
			return
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "MODEL\tPROVIDER\tTIER\tINTEL\tCONTEXT\tIN $/M\tOUT $/M\tACTIVE")
		for _, m := range models {
			mm, _ := m.(map[string]any)
			id, _ := mm["id"].(string)
			pid, _ := mm["provider_id"].(string)
			tier, _ := mm["tier"].(string)
			intel := fmtNum(mm["intelligence"])
			ctx := fmtNum(mm["context_window"])
			in := fmtCost(mm["input_per_m_tokens"])
			out := fmtCost(mm["output_per_m_tokens"])
			active := "yes"
			if mm["active"] == false {
				active = "no"
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", id, pid, tier, intel, ctx, in, out, active)
		}
		_ = tw.Flush()
		return
	}

	switch args[0] {
	case "add":
		requireArgs(args, 2, "model add <json>")
		doPost("/admin/v1/models", args[1])
		fmt.Println("Model saved.")
	case "delete":
		requireArgs(args, 2, "model delete <id>")
		doDelete("/admin/v1/models/" + args[1])
		fmt.Println("Model deleted.")
	default:
		fmt.Fprintf(os.Stderr, "unknown model command: %s\n", args[0])
		os.Exit(1)
	}
}

func doProviders(args []string) {
	if len(args) == 0 || args[0] == "list" {
		data := doGet("/admin/v1/providers")
		items, _ := data["items"].([]any)
		if len(items) == 0 {
			fmt.Println("No providers registered.")
			return
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ID\tNAME\tBASE URL\tENABLED")
		for _, p := range items {
			m, _ := p.(map[string]any)
			id, _ := m["id"].(string)
			name, _ := m["name"].(string)
			base, _ := m["base_url"].(string)
			enabled := "yes"
			if m["enabled"] == false {
				enabled = "no"
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, name, base, enabled)
		}
		_ = tw.Flush()
		return
	}

	switch args[0] {
	case "add":
		requireArgs(args, 2, "provider add <json>")
		doPost("/admin/v1/providers", args[1])
		fmt.Println("Provider saved.")
	case "delete":
		requireArgs(args, 2, "provider delete <id>")
		doDelete("/admin/v1/providers/" + args[1])
		fmt.Println("Provider deleted.")
	default:
		fmt.Fprintf(os.Stderr, "unknown provider command: %s\n", args[0])
		os.Exit(1)
	}
}

func doBudgets(args []string) {
	requireArgs(args, 1, "budget <list|add|delete|check|usage|alerts> [args]")
	switch args[0] {
	case "list":
		requireArgs(args, 2, "budget list <tenant>")
		data := doGet("/v1/budgets/?tenant=" + args[1])
		items, _ := data["items"].([]any)
		if len(items) == 0 {
			fmt.Println("No budgets.")
			return
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ID\tPERIOD\tAMOUNT\tUSED\tSTART\tEND")
		for _, b := range items {
			m, _ := b.(map[string]any)
			id, _ := m["id"].(string)
			period, _ := m["period"].(string)
			amount := fmtCost(m["amount"])
			used := fmtCost(m["used"])
			start := fmtTime(m["start_at"])
			end := fmtTime(m["end_at"])
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", id, period, amount, used, start, end)
		}
		_ = tw.Flush()
	case "add":
		requireArgs(args, 2, "budget add <json>")
		result := doPost("/v1/budgets/", args[1])
		fmt.Printf("Budget created: %v\n", result["id"])
	case "update":
		requireArgs(args, 3, "budget update <id> <json>")
		doPatch("/v1/budgets/"+args[1], args[2])
		fmt.Println("Budget updated.")
	case "delete":
		requireArgs(args, 2, "budget delete <id>")
		doDelete("/v1/budgets/" + args[1])
		fmt.Println("Budget deleted.")
	case "check":
		requireArgs(args, 2, "budget check <json>")
		result := doPost("/v1/budgets/check", args[1])
		fmt.Println(prettyJSON(result))
	case "usage":
		requireArgs(args, 2, "budget usage <tenant>")
		data := doGet("/v1/budgets/usage?tenant=" + args[1])
		fmt.Println(prettyJSON(data))
	case "forecast":
		requireArgs(args, 2, "budget forecast <id>")
		fmt.Println(prettyJSON(doGet("/v1/budgets/" + args[1] + "/forecast")))
	case "reset":
		requireArgs(args, 2, "budget reset <id>")
		doPost("/v1/budgets/"+args[1]+"/reset", "{}")
		fmt.Println("Budget usage reset.")
	case "rollover":
		requireArgs(args, 2, "budget rollover <id>")
		result := doPost("/v1/budgets/"+args[1]+"/rollover", "{}")
		fmt.Printf("Rolled over to budget: %v\n", result["id"])
	case "alerts":
		requireArgs(args, 2, "budget alerts <tenant>")
		data := doGet("/v1/budgets/alerts?tenant=" + args[1])
		fmt.Println(prettyJSON(data))
	default:
		fmt.Fprintf(os.Stderr, "unknown budget command: %s\n", args[0])
		os.Exit(1)
	}
}

func doCircuits(args []string) {
	if len(args) == 0 || args[0] == "list" {
		data := doGet("/admin/v1/circuits")
		items, _ := data["items"].([]any)
		if len(items) == 0 {
			fmt.Println("No circuits.")
			return
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "CIRCUIT\tSTATE\tFAILURES\tSUCCESSES\tOPENED AT")
		for _, c := range items {
			m, _ := c.(map[string]any)
			id, _ := m["circuit_id"].(string)
			state := fmt.Sprintf("%v", m["state"])
			fails := fmtNum(m["failures"])
			succ := fmtNum(m["successes"])
			opened := fmtTime(m["opened_at"])
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", id, state, fails, succ, opened)
		}
		_ = tw.Flush()
		return
	}

	switch args[0] {
	case "reset":
		requireArgs(args, 2, "circuit reset <id>")
		doPost("/admin/v1/circuits/"+args[1]+"/reset", "{}")
		fmt.Printf("Circuit %s reset.\n", args[1])
	case "reset-all":
		doPost("/admin/v1/circuits/reset", "{}")
		fmt.Println("All circuits reset.")
	case "events":
		requireArgs(args, 2, "circuit events <id>")
		data := doGet("/admin/v1/circuits/" + args[1] + "/events")
		fmt.Println(prettyJSON(data))
	default:
		fmt.Fprintf(os.Stderr, "unknown circuit command: %s\n", args[0])
		os.Exit(1)
	}
}

func doVault(args []string) {
	requireArgs(args, 1, "vault <unlock|lock|rotate|set|keys|delete> [args]")
	switch args[0] {
	case "unlock":
		requireArgs(args, 2, "vault unlock <password>")
		doPost("/admin/v1/vault/unlock", fmt.Sprintf(`{"password":%s}`, jsonStr(args[1])))
		fmt.Println("Vault unlocked.")
	case "lock":
		doPost("/admin/v1/vault/lock", "{}")
		fmt.Println("Vault locked.")
	case "rotate":
		requireArgs(args, 2, "vault rotate <new-password>")
		doPost("/admin/v1/vault/rotate", fmt.Sprintf(`{"password":%s}`, jsonStr(args[1])))
		fmt.Println("Vault password rotated.")
	case "set":
		requireArgs(args, 3, "vault set <key> <value>")
		doPost("/admin/v1/vault/credentials",
			fmt.Sprintf(`{"key":%s,"value":%s}`, jsonStr(args[1]), jsonStr(args[2])))
		fmt.Println("Credential stored.")
	case "keys":
		data := doGet("/admin/v1/vault/credentials")
		fmt.Println(prettyJSON(data))
	case "delete":
		requireArgs(args, 2, "vault delete <key>")
		doDelete("/admin/v1/vault/credentials/" + args[1])
		fmt.Println("Credential removed.")
	default:
		fmt.Fprintf(os.Stderr, "unknown vault command: %s\n", args[0])
		os.Exit(1)
	}
}

func doDecisions(args []string) {
	requireArgs(args, 1, "decisions <tenant> [--limit N]")
	limit := parseLimit(args)
	data := doGet(fmt.Sprintf("/admin/v1/decisions?tenant=%s&limit=%d", args[0], limit))
	items, _ := data["items"].([]any)
	if len(items) == 0 {
		fmt.Println("No decisions.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tTASK\tSTRATEGY\tSELECTED\tSCORE\tCANDIDATES\tREASON")
	for _, d := range items {
		m, _ := d.(map[string]any)
		ts := fmtTime(m["timestamp"])
		task, _ := m["task_type"].(string)
		strategy, _ := m["strategy"].(string)
		sel, _ := m["selected_model_id"].(string)
		score := fmtNum(m["final_score"])
		cands := fmtNum(m["candidate_count"])
		reason, _ := m["reason"].(string)
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", ts, task, strategy, sel, score, cands, reason)
	}
	_ = tw.Flush()
}

func doLogs(args []string) {
	requireArgs(args, 1, "logs <tenant> [--limit N]")
	limit := parseLimit(args)
	data := doGet(fmt.Sprintf("/admin/v1/logs?tenant=%s&limit=%d", args[0], limit))
	items, _ := data["items"].([]any)
	if len(items) == 0 {
		fmt.Println("No execution logs.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tMODEL\tPROVIDER\tLATENCY\tCOST\tATTEMPTS\tOK")
	for _, l := range items {
		m, _ := l.(map[string]any)
		ts := fmtTime(m["timestamp"])
		model, _ := m["model_id"].(string)
		prov, _ := m["provider_id"].(string)
		lat := fmtDuration(m["latency_ms"])
		cost := fmtCost(m["cost_usd"])
		attempts := fmtNum(m["attempts"])
		ok := "yes"
		if m["success"] == false {
			ok = "no"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", ts, model, prov, lat, cost, attempts, ok)
	}
	_ = tw.Flush()
}

func doAudit(args []string) {
	limit := parseLimit(args)
	data := doGet(fmt.Sprintf("/admin/v1/config-changes?limit=%d", limit))
	items, _ := data["items"].([]any)
	if len(items) == 0 {
		fmt.Println("No configuration changes.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tKIND\tRESOURCE\tDETAIL")
	for _, c := range items {
		m, _ := c.(map[string]any)
		ts := fmtTime(m["timestamp"])
		kind, _ := m["kind"].(string)
		res, _ := m["resource_id"].(string)
		detail, _ := m["detail"].(string)
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ts, kind, res, detail)
	}
	_ = tw.Flush()
}

func doWorkflows(args []string) {
	if len(args) == 0 || args[0] == "list" {
		path := "/admin/v1/workflows"
		if len(args) > 1 {
			path += "?status=" + args[1]
		}
		data := doGet(path)
		if data["durable"] == false {
			fmt.Println("Durable execution is not enabled on this server.")
			return
		}
		items, _ := data["workflows"].([]any)
		if len(items) == 0 {
			fmt.Println("No workflows.")
			return
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "WORKFLOW\tTYPE\tSTATUS\tSTARTED\tDURATION")
		for _, it := range items {
			m, _ := it.(map[string]any)
			id, _ := m["workflow_id"].(string)
			typ, _ := m["type"].(string)
			status := fmt.Sprintf("%v", m["status"])
			started := fmtTime(m["start_time"])
			dur := fmtDuration(m["duration_ms"])
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", id, typ, status, started, dur)
		}
		_ = tw.Flush()
		return
	}

	switch args[0] {
	case "describe":
		requireArgs(args, 2, "workflow describe <id>")
		fmt.Println(prettyJSON(doGet("/admin/v1/workflows/" + args[1])))
	case "history":
		requireArgs(args, 2, "workflow history <id>")
		fmt.Println(prettyJSON(doGet("/admin/v1/workflows/" + args[1] + "/history")))
	default:
		fmt.Fprintf(os.Stderr, "unknown workflow command: %s\n", args[0])
		os.Exit(1)
	}
}

func doStats() {
	fmt.Println(prettyJSON(doGet("/admin/v1/stats")))
}

func doConfiguration() {
	fmt.Println(prettyJSON(doGet("/admin/v1/configuration")))
}

func doOptimize(args []string) {
	requireArgs(args, 1, "optimize <tenant>")
	fmt.Println(prettyJSON(doGet("/admin/v1/optimize?tenant=" + args[0])))
}

func doEvents() {
	resp, err := doRequest("GET", "/admin/v1/events", nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()

	fmt.Println("Streaming events (Ctrl-C to stop)...")
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			for _, line := range strings.Split(string(buf[:n]), "\n") {
				line = strings.TrimSpace(line)
				if !strings.HasPrefix(line, "data:") {
					continue
				}
				payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				var evt map[string]any
				if json.Unmarshal([]byte(payload), &evt) != nil {
					continue
				}
				evtType, _ := evt["type"].(string)
				if evtType == "" {
					continue
				}
				model, _ := evt["model_id"].(string)
				provider, _ := evt["provider_id"].(string)
				latency := fmtDuration(evt["latency_ms"])
				errMsg, _ := evt["error_msg"].(string)
				ts := time.Now().Format("15:04:05")
				if errMsg != "" {
					fmt.Printf("[%s] %s  model=%s provider=%s error=%s\n", ts, evtType, model, provider, errMsg)
				} else {
					fmt.Printf("[%s] %s  model=%s provider=%s latency=%s\n", ts, evtType, model, provider, latency)
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				fmt.Println("Event stream closed.")
			}
			break
		}
	}
}

func doTSDB(args []string) {
	requireArgs(args, 1, "tsdb <query|metrics|prune> [args]")
	switch args[0] {
	case "metrics":
		fmt.Println(prettyJSON(doGet("/admin/v1/tsdb/metrics")))
	case "prune":
		fmt.Println(prettyJSON(doPost("/admin/v1/tsdb/prune", "{}")))
	case "query":
		qs := ""
		if len(args) > 1 {
			qs = "?" + strings.Join(args[1:], "&")
		}
		fmt.Println(prettyJSON(doGet("/admin/v1/tsdb/query" + qs)))
	default:
		fmt.Fprintf(os.Stderr, "unknown tsdb command: %s\n", args[0])
		os.Exit(1)
	}
}

// --- Formatting helpers ---

func fmtNum(v any) string {
	if v == nil {
		return "-"
	}
	switch n := v.(type) {
	case float64:
		if n == float64(int(n)) {
			return strconv.Itoa(int(n))
		}
		return strconv.FormatFloat(n, 'f', 2, 64)
	case int:
		return strconv.Itoa(n)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func fmtCost(v any) string {
	if v == nil {
		return "-"
	}
	if f, ok := v.(float64); ok {
		if f == 0 {
			return "free"
		}
		return fmt.Sprintf("$%.4f", f)
	}
	return fmt.Sprintf("%v", v)
}

func fmtDuration(v any) string {
	if v == nil {
		return "-"
	}
	if f, ok := v.(float64); ok {
		if f < 1000 {
			return fmt.Sprintf("%.0fms", f)
		}
		return fmt.Sprintf("%.1fs", f/1000)
	}
	return fmt.Sprintf("%v", v)
}

func fmtTime(v any) string {
	if v == nil {
		return "-"
	}
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.Local().Format("2006-01-02 15:04:05")
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.Local().Format("2006-01-02 15:04:05")
		}
		return s
	}
	return fmt.Sprintf("%v", v)
}

func jsonStr(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func init() {
	http.DefaultTransport.(*http.Transport).DisableKeepAlives = true
	http.DefaultClient.Timeout = 30 * time.Second
}
