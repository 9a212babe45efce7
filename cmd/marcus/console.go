package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/chzyer/readline"

	"github.com/marcus-ai/marcus/pkg/domain/coordination"
	"github.com/marcus-ai/marcus/pkg/events"
	"github.com/marcus-ai/marcus/pkg/memory"
	"github.com/marcus-ai/marcus/pkg/orchestration"
)

// console is a thin REST client over a running coordinator.
type console struct {
	base string
	key  string
	hc   *http.Client
	out  io.Writer
}

func runConsole(args []string) int {
	fs := flag.NewFlagSet("console", flag.ExitOnError)
	addr := fs.String("addr", "http://127.0.0.1:4280", "coordinator base URL")
	key := fs.String("key", os.Getenv("MARCUS_API_KEY"), "API key (defaults to MARCUS_API_KEY)")
	fs.Parse(args)

	c := &console{
		base: strings.TrimRight(*addr, "/"),
		key:  *key,
		hc:   &http.Client{Timeout: 10 * time.Second},
		out:  os.Stdout,
	}

	// Probe before the prompt so a wrong address fails loudly.
	var health map[string]interface{}
	if err := c.getJSON("/api/health", &health); err != nil {
		fmt.Fprintf(os.Stderr, "marcus console: cannot reach %s: %v\n", c.base, err)
		return 1
	}
	fmt.Fprintf(c.out, "Connected to %s (marcus %v)\n", c.base, health["version"])
	fmt.Fprintln(c.out, `Type "help" for commands, "exit" to leave.`)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "marcus> ",
		HistoryFile:     historyPath(),
		AutoComplete:    consoleCompleter(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "marcus console: %v\n", err)
		return 1
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		}
		if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}
		if err := c.dispatch(line); err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
	return 0
}

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".marcus", "console_history")
}

func consoleCompleter() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("status"),
		readline.PcItem("tasks",
			readline.PcItem("todo"),
			readline.PcItem("in_progress"),
			readline.PcItem("done"),
			readline.PcItem("blocked"),
		),
		readline.PcItem("task"),
		readline.PcItem("context"),
		readline.PcItem("agents"),
		readline.PcItem("agent"),
		readline.PcItem("assignments"),
		readline.PcItem("leases"),
		readline.PcItem("events"),
		readline.PcItem("health"),
		readline.PcItem("refresh"),
		readline.PcItem("unassign"),
		readline.PcItem("info"),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)
}

func (c *console) dispatch(line string) error {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "status":
		return c.showStatus()
	case "tasks":
		filter := ""
		if len(args) > 0 {
			filter = args[0]
		}
		return c.showTasks(filter)
	case "task":
		if len(args) != 1 {
			return errors.New("usage: task <id>")
		}
		return c.showTask(args[0])
	case "context":
		if len(args) != 1 {
			return errors.New("usage: context <task-id>")
		}
		return c.showContext(args[0])
	case "agents":
		return c.showAgents()
	case "agent":
		if len(args) != 1 {
			return errors.New("usage: agent <id>")
		}
		return c.showAgent(args[0])
	case "assignments":
		return c.showAssignments()
	case "leases":
		return c.showLeases()
	case "events":
		limit := 20
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				return errors.New("usage: events [count]")
			}
			limit = n
		}
		return c.showEvents(limit)
	case "health":
		return c.showHealth()
	case "refresh":
		return c.refreshBoard()
	case "unassign":
		if len(args) == 0 {
			return errors.New("usage: unassign <task-id> [reason...]")
		}
		return c.unassign(args[0], strings.Join(args[1:], " "))
	case "info":
		return c.showInfo()
	case "help":
		c.help()
		return nil
	default:
		return fmt.Errorf("unknown command %q (try \"help\")", cmd)
	}
}

func (c *console) help() {
	fmt.Fprint(c.out, `Commands:
  status                     coordinator snapshot
  tasks [status]             board tasks, optionally filtered
  task <id>                  one task in full
  context <task-id>          recorded context for a task
  agents                     registered agents
  agent <id>                 one agent in full
  assignments                active task assignments
  leases                     lease statistics
  events [count]             recent coordination events
  health                     board health scan
  refresh                    force a board refresh
  unassign <task> [reason]   take a task away from its agent
  info                       server runtime info
  exit                       leave the console
`)
}

// --- HTTP plumbing ---

func (c *console) getJSON(path string, into interface{}) error {
	return c.do(http.MethodGet, path, nil, into)
}

func (c *console) postJSON(path string, body, into interface{}) error {
	return c.do(http.MethodPost, path, body, into)
}

func (c *console) do(method, path string, body, into interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = strings.NewReader(string(data))
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return errors.New("unauthorized: pass -key or set MARCUS_API_KEY")
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		if e.Error != "" {
			return errors.New(e.Error)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if into == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(into)
}

// --- Renderers ---

func (c *console) showStatus() error {
	var status map[string]interface{}
	if err := c.getJSON("/api/status", &status); err != nil {
		return err
	}
	keys := make([]string, 0, len(status))
	for k := range status {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(c.out, "%-22s %v\n", k, status[k])
	}
	return nil
}

func (c *console) showTasks(filter string) error {
	path := "/api/tasks"
	if filter != "" {
		path += "?status=" + filter
	}
	var body struct {
		Tasks []*coordination.Task `json:"tasks"`
	}
	if err := c.getJSON(path, &body); err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tPROGRESS\tASSIGNED\tNAME")
	for _, t := range body.Tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\t%s\n",
			t.ID, t.Status, t.Priority, t.Progress, dash(t.AssignedTo), t.Name)
	}
	w.Flush()
	fmt.Fprintf(c.out, "%d task(s)\n", len(body.Tasks))
	return nil
}

func (c *console) showTask(id string) error {
	var task coordination.Task
	if err := c.getJSON("/api/tasks/"+id, &task); err != nil {
		return err
	}
	return c.printJSON(task)
}

func (c *console) showContext(id string) error {
	var tc memory.TaskContext
	if err := c.getJSON("/api/tasks/"+id+"/context", &tc); err != nil {
		return err
	}

	fmt.Fprintf(c.out, "Context for %s\n", tc.TaskID)
	if len(tc.Implementations) > 0 {
		fmt.Fprintln(c.out, "Dependency implementations:")
		for _, impl := range tc.Implementations {
			fmt.Fprintf(c.out, "  [%s] %s\n", impl.TaskID, impl.Summary)
		}
	}
	if len(tc.Decisions) > 0 {
		fmt.Fprintln(c.out, "Decisions:")
		for _, d := range tc.Decisions {
			fmt.Fprintf(c.out, "  %s (%s): %s\n", d.CreatedAt.Format("2006-01-02 15:04"), d.AgentID, d.Decision)
		}
	}
	if len(tc.Artifacts) > 0 {
		fmt.Fprintln(c.out, "Artifacts:")
		for _, a := range tc.Artifacts {
			fmt.Fprintf(c.out, "  %s (%s) %s\n", a.Filename, a.Type, a.Path)
		}
	}
	if len(tc.DependentTasks) > 0 {
		fmt.Fprintln(c.out, "Waiting on this task:")
		for _, d := range tc.DependentTasks {
			fmt.Fprintf(c.out, "  %s %s [%s]\n", d.TaskID, d.Name, d.Status)
		}
	}
	if tc.ParentTask != nil {
		fmt.Fprintf(c.out, "Parent: %s %s [%s, %d%%]\n",
			tc.ParentTask.TaskID, tc.ParentTask.Name, tc.ParentTask.Status, tc.ParentTask.Progress)
	}
	if len(tc.SharedConventions) > 0 {
		fmt.Fprintln(c.out, "Shared conventions:")
		for _, d := range tc.SharedConventions {
			fmt.Fprintf(c.out, "  %s\n", d.Decision)
		}
	}
	return nil
}

func (c *console) showAgents() error {
	var body struct {
		Agents []*coordination.Agent `json:"agents"`
	}
	if err := c.getJSON("/api/agents", &body); err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tROLE\tCURRENT\tDONE\tSCORE\tNAME")
	for _, a := range body.Agents {
		current := "-"
		if len(a.CurrentTasks) > 0 {
			current = strings.Join(a.CurrentTasks, ",")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.2f\t%s\n",
			a.AgentID, a.Role, current, a.CompletedTasksCount, a.PerformanceScore, a.Name)
	}
	w.Flush()
	fmt.Fprintf(c.out, "%d agent(s)\n", len(body.Agents))
	return nil
}

func (c *console) showAgent(id string) error {
	var agent coordination.Agent
	if err := c.getJSON("/api/agents/"+id, &agent); err != nil {
		return err
	}
	return c.printJSON(agent)
}

func (c *console) showAssignments() error {
	var body struct {
		Assignments []*coordination.Assignment `json:"assignments"`
	}
	if err := c.getJSON("/api/assignments", &body); err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tAGENT\tSINCE\tNAME")
	for _, a := range body.Assignments {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			a.TaskID, a.AgentID, a.AssignedAt.Format("2006-01-02 15:04"), a.TaskName)
	}
	w.Flush()
	fmt.Fprintf(c.out, "%d assignment(s)\n", len(body.Assignments))
	return nil
}

func (c *console) showLeases() error {
	var stats orchestration.LeaseStatistics
	if err := c.getJSON("/api/leases", &stats); err != nil {
		return err
	}

	fmt.Fprintf(c.out, "active            %d\n", stats.Active)
	fmt.Fprintf(c.out, "expired           %d\n", stats.Expired)
	fmt.Fprintf(c.out, "total renewals    %d\n", stats.TotalRenewals)
	fmt.Fprintf(c.out, "avg duration (h)  %.2f\n", stats.AverageDurationHours)
	if len(stats.ExpiringSoon) > 0 {
		fmt.Fprintf(c.out, "expiring soon     %s\n", strings.Join(stats.ExpiringSoon, ", "))
	}
	if len(stats.Stuck) > 0 {
		fmt.Fprintf(c.out, "stuck             %s\n", strings.Join(stats.Stuck, ", "))
	}
	if stats.OldestTaskID != "" {
		fmt.Fprintf(c.out, "oldest            %s (%.1fh)\n", stats.OldestTaskID, stats.OldestAgeHours)
	}
	return nil
}

func (c *console) showEvents(limit int) error {
	var body struct {
		Events []events.Event `json:"events"`
	}
	if err := c.getJSON("/api/events?limit="+strconv.Itoa(limit), &body); err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTYPE\tSOURCE")
	for _, e := range body.Events {
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.Timestamp.Format("15:04:05"), e.Type, e.Source)
	}
	w.Flush()
	return nil
}

func (c *console) showHealth() error {
	var report events.BoardHealthData
	if err := c.getJSON("/api/board/health", &report); err != nil {
		return err
	}

	fmt.Fprintf(c.out, "tasks total       %d\n", report.TotalTasks)
	fmt.Fprintf(c.out, "completed         %d\n", report.CompletedTasks)
	fmt.Fprintf(c.out, "in progress       %d\n", report.InProgressTasks)
	fmt.Fprintf(c.out, "assignable        %d\n", report.AssignableTasks)
	fmt.Fprintf(c.out, "gridlocked        %v\n", report.Gridlocked)
	for _, cycle := range report.Cycles {
		fmt.Fprintf(c.out, "cycle             %s\n", strings.Join(cycle, " -> "))
	}
	if len(report.StuckLeases) > 0 {
		fmt.Fprintf(c.out, "stuck leases      %s\n", strings.Join(report.StuckLeases, ", "))
	}
	if len(report.OrphanedTasks) > 0 {
		fmt.Fprintf(c.out, "missing deps      %s\n", strings.Join(report.OrphanedTasks, ", "))
	}
	return nil
}

func (c *console) refreshBoard() error {
	var body map[string]interface{}
	if err := c.postJSON("/api/board/refresh", nil, &body); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "board refreshed, %v tasks\n", body["tasks_total"])
	return nil
}

func (c *console) unassign(taskID, reason string) error {
	payload := map[string]string{}
	if reason != "" {
		payload["reason"] = reason
	}
	var body map[string]interface{}
	if err := c.postJSON("/api/tasks/"+taskID+"/unassign", payload, &body); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "task %s unassigned\n", taskID)
	return nil
}

func (c *console) showInfo() error {
	var info map[string]interface{}
	if err := c.getJSON("/api/system/info", &info); err != nil {
		return err
	}
	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(c.out, "%-14s %v\n", k, info[k])
	}
	return nil
}

func (c *console) printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, string(data))
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
