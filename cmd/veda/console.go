package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"veda/internal/coordination"
	"veda/internal/deferral"
	"veda/internal/event"
	"veda/internal/identity"
	"veda/internal/logging"
	"veda/internal/metrics"
	"veda/internal/stream"
)

// controller is the part of the orchestrator the console drives.
type controller interface {
	CreateTab(displayName, workingDirectory string) (identity.Instance, error)
	CloseTab(ctx context.Context, instanceID string) error
	SendUserInput(ctx context.Context, instanceID, text string) error
	ResumeSession(ctx context.Context, instanceID, sessionID, text string) error
	StartFresh(ctx context.Context, instanceID, text string) error
	ListInstances() []identity.Instance
	FindInstance(name string) (identity.Instance, bool)
	Instance(instanceID string) (identity.Instance, bool)
	Messages(instanceID string) ([]stream.Message, error)
	SubscribeAll() (<-chan stream.Message, func())
	Events() (<-chan event.InstanceEvent, func())
	Coordinate(ctx context.Context, env coordination.Envelope) (coordination.Envelope, error)
	Deferred() []deferral.Entry
	Metrics() *metrics.Registry
}

const consoleHelp = `Commands:
  /new [name]               open a tab and switch to it
  /tab <n|name>             switch tabs
  /send <n|name> <text>     send input to another tab
  /close [n|name]           close a tab (default: current)
  /resume <session> <text>  continue an earlier session of the current tab
  /fresh <text>             start a new session in the current tab
  /history                  print the current tab's retained messages
  /list                     list tabs
  /coord <to|*> <instance> <text>  send a coordination envelope
  /stats                    print routing counters
  /logs [n]                 print the last n warnings (default 20)
  /quit                     stop every agent and exit
Anything else is sent to the current tab.`

var errLastTab = errors.New("cannot close the last tab")

// console is a line-oriented stand-in for the tabbed terminal UI.
type console struct {
	orch    controller
	logs    *logging.Journal
	workdir string

	outMu sync.Mutex
	out   io.Writer

	mu      sync.Mutex
	current string
}

const defaultLogLines = 20

func newConsole(orch controller, logs *logging.Journal, out io.Writer, workdir string) *console {
	return &console{orch: orch, logs: logs, out: out, workdir: workdir}
}

// Run opens the first tab, optionally sends prompt to it, then executes
// input lines until /quit, end of input or ctx is done.
func (c *console) Run(ctx context.Context, in io.Reader, prompt string) error {
	messages, unsubscribe := c.orch.SubscribeAll()
	events, unsubscribeEvents := c.orch.Events()

	var printers sync.WaitGroup
	printers.Add(2)
	go func() {
		defer printers.Done()
		for msg := range messages {
			if line := c.formatMessage(msg); line != "" {
				c.println(line)
			}
		}
	}()
	go func() {
		defer printers.Done()
		for evt := range events {
			if line := formatEvent(evt); line != "" {
				c.println(line)
			}
		}
	}()
	defer printers.Wait()
	defer unsubscribeEvents()
	defer unsubscribe()

	first, err := c.orch.CreateTab("", c.workdir)
	if err != nil {
		return err
	}
	c.setCurrent(first.ID)
	c.println("veda ready, current tab: " + first.DisplayName + " (/help for commands)")
	if prompt != "" {
		c.execute(ctx, prompt)
	}

	lines := make(chan string)
	stopReading := make(chan struct{})
	defer close(stopReading)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stopReading:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if c.execute(ctx, line) {
				return nil
			}
		}
	}
}

// execute runs one input line and reports whether the console should exit.
func (c *console) execute(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		c.report(c.orch.SendUserInput(ctx, c.currentID(), line))
		return false
	}
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch name {
	case "/quit", "/exit":
		return true
	case "/help":
		c.println(consoleHelp)
	case "/new":
		inst, err := c.orch.CreateTab(rest, c.workdir)
		if c.report(err) {
			c.setCurrent(inst.ID)
			c.println("switched to " + inst.DisplayName)
		}
	case "/tab":
		inst, err := c.resolve(rest)
		if c.report(err) {
			c.setCurrent(inst.ID)
			c.println("switched to " + inst.DisplayName)
		}
	case "/send":
		ref, text, _ := strings.Cut(rest, " ")
		inst, err := c.resolve(ref)
		if c.report(err) {
			c.report(c.orch.SendUserInput(ctx, inst.ID, strings.TrimSpace(text)))
		}
	case "/close":
		c.report(c.closeTab(ctx, rest))
	case "/resume":
		sessionID, text, _ := strings.Cut(rest, " ")
		c.report(c.orch.ResumeSession(ctx, c.currentID(), sessionID, strings.TrimSpace(text)))
	case "/fresh":
		c.report(c.orch.StartFresh(ctx, c.currentID(), rest))
	case "/history":
		c.printHistory()
	case "/list":
		c.printList()
	case "/coord":
		c.report(c.coordinate(ctx, rest))
	case "/stats":
		c.printStats()
	case "/logs":
		c.report(c.printLogs(rest))
	default:
		c.println("unknown command " + name + ", try /help")
	}
	return false
}

func (c *console) closeTab(ctx context.Context, ref string) error {
	target := c.currentID()
	if ref != "" {
		inst, err := c.resolve(ref)
		if err != nil {
			return err
		}
		target = inst.ID
	}
	remaining := c.orch.ListInstances()
	if len(remaining) <= 1 {
		return errLastTab
	}
	if err := c.orch.CloseTab(ctx, target); err != nil {
		return err
	}
	if target == c.currentID() {
		for _, inst := range c.orch.ListInstances() {
			c.setCurrent(inst.ID)
			c.println("switched to " + inst.DisplayName)
			break
		}
	}
	return nil
}

func (c *console) coordinate(ctx context.Context, rest string) error {
	fields := strings.SplitN(rest, " ", 3)
	if len(fields) < 3 || strings.TrimSpace(fields[2]) == "" {
		return errors.New("usage: /coord <to|*> <instance> <text>")
	}
	to := fields[0]
	if to == "*" {
		to = ""
	}
	env, err := c.orch.Coordinate(ctx, coordination.Envelope{
		To:          to,
		MessageType: coordination.TypeQuestion,
		Summary:     strings.TrimSpace(fields[2]),
		InstanceID:  fields[1],
	})
	if err != nil {
		return err
	}
	c.println("sent envelope " + env.ID)
	return nil
}

// resolve accepts a 1-based tab number, a display name or an instance id.
func (c *console) resolve(ref string) (identity.Instance, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return identity.Instance{}, errors.New("tab number or name required")
	}
	if n, err := strconv.Atoi(ref); err == nil {
		list := c.orch.ListInstances()
		if n < 1 || n > len(list) {
			return identity.Instance{}, fmt.Errorf("no tab %d", n)
		}
		return list[n-1], nil
	}
	if inst, ok := c.orch.FindInstance(ref); ok {
		return inst, nil
	}
	if inst, ok := c.orch.Instance(ref); ok {
		return inst, nil
	}
	return identity.Instance{}, fmt.Errorf("no tab named %q", ref)
}

func (c *console) printList() {
	current := c.currentID()
	var b strings.Builder
	for i, inst := range c.orch.ListInstances() {
		marker := " "
		if inst.ID == current {
			marker = "*"
		}
		session := inst.SessionID
		if session == "" {
			session = "-"
		}
		fmt.Fprintf(&b, "%s %d. %s [%s] session=%s dir=%s\n", marker, i+1, inst.DisplayName, inst.State, session, inst.WorkingDirectory)
	}
	c.print(b.String())
}

func (c *console) printHistory() {
	messages, err := c.orch.Messages(c.currentID())
	if !c.report(err) {
		return
	}
	var b strings.Builder
	for _, msg := range messages {
		if line := c.formatMessage(msg); line != "" {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	c.print(b.String())
}

func (c *console) printStats() {
	snapshot := c.orch.Metrics().Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "deferred now=%d total=%d replayed=%d expired=%d overflowed=%d\n",
		len(c.orch.Deferred()), snapshot.Deferred, snapshot.Replayed, snapshot.Expired, snapshot.Overflowed)
	fmt.Fprintf(&b, "bound=%d rejected=%d ambiguous=%d dropped=%d\n",
		snapshot.Bound, snapshot.Rejected, snapshot.Ambiguous, snapshot.Dropped)
	_ = c.orch.Metrics().WritePrometheus(&b)
	c.print(b.String())
}

func (c *console) printLogs(arg string) error {
	count := defaultLogLines
	if arg != "" {
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid line count %q", arg)
		}
		count = n
	}
	entries := c.logs.Recent(count, logging.LevelWarning)
	if len(entries) == 0 {
		c.println("no warnings logged")
		return nil
	}
	var b strings.Builder
	for _, entry := range entries {
		b.WriteString(entry.Time.Local().Format("15:04:05"))
		b.WriteByte(' ')
		b.WriteString(entry.String())
		b.WriteByte('\n')
	}
	c.print(b.String())
	return nil
}

func (c *console) formatMessage(msg stream.Message) string {
	prefix := "[" + c.tabName(msg.InstanceID) + "] "
	switch payload := msg.Payload.(type) {
	case stream.TextDelta:
		if msg.Source == stream.SourceUser {
			return prefix + "> " + payload.Text
		}
		return prefix + payload.Text
	case stream.ToolUse:
		if payload.Denied {
			return prefix + "tool " + payload.Name + " denied"
		}
		return prefix + "tool " + payload.Name
	case stream.ErrorNotice:
		return prefix + "error: " + payload.Message
	case stream.SessionStarted:
		return prefix + "session " + payload.SessionID
	case stream.Lifecycle:
		switch payload.Stage {
		case stream.LifecycleStreamStart:
			return prefix + "agent started"
		case stream.LifecycleStreamEnd:
			return prefix + "agent finished"
		case stream.LifecycleExited:
			return fmt.Sprintf("%sagent exited (code %d)", prefix, payload.ExitCode)
		default:
			return prefix + payload.Detail
		}
	}
	return ""
}

func formatEvent(evt event.InstanceEvent) string {
	switch evt.Type() {
	case event.InstanceCreated:
		return "tab opened: " + evt.DisplayName
	case event.InstanceClosed:
		return "tab closed: " + evt.DisplayName
	}
	return ""
}

func (c *console) tabName(instanceID string) string {
	if inst, ok := c.orch.Instance(instanceID); ok {
		return inst.DisplayName
	}
	if len(instanceID) > 8 {
		return instanceID[:8]
	}
	return instanceID
}

// report prints err and returns true when there was none.
func (c *console) report(err error) bool {
	if err == nil {
		return true
	}
	c.println("error: " + err.Error())
	return false
}

func (c *console) currentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *console) setCurrent(id string) {
	c.mu.Lock()
	c.current = id
	c.mu.Unlock()
}

func (c *console) println(line string) {
	c.print(line + "\n")
}

func (c *console) print(text string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = io.WriteString(c.out, text)
}
