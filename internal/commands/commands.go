// Package commands handles Telegram commands and feedback buttons from the
// owner chat.
package commands

import (
	"context"
	"runtime/debug"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "triaged/internal/runtime/supervisor"
	kit "triaged/internal/transport"
	logx "triaged/pkg/logx"
)

const defaultTimeout = 15 * time.Second

// Command is a single slash command, e.g. "status" for /status.
type Command struct {
	Name        string
	Aliases     []string
	Description string
	Timeout     time.Duration
	Handle      HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, data string) error

// CallbackRoute handles inline button presses whose data starts with
// Prefix followed by "|".
type CallbackRoute struct {
	Prefix  string
	Kind    Kind // KindCallback when empty
	Timeout time.Duration
	Handle  CallbackHandlerFunc
}

type Request struct {
	Kind    Kind
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string

	Adapter kit.Adapter
	Logger  logx.Logger

	notes []logx.Field
}

// Reply sends text to the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// Manager dispatches adapter updates to registered handlers on a small
// worker pool. Only owners may use it.
type Manager struct {
	mu        sync.RWMutex
	cmds      map[string]Command
	menu      []Command
	callbacks map[string]CallbackRoute
	owners    []int64

	log     logx.Logger
	adapter kit.Adapter
	workers int

	jobs chan func()
}

func NewManager(log logx.Logger, adapter kit.Adapter, owners []int64) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cmds:      map[string]Command{},
		callbacks: map[string]CallbackRoute{},
		owners:    append([]int64(nil), owners...),
		log:       log.With(logx.String("comp", "commands")),
		adapter:   adapter,
		workers:   2,
		jobs:      make(chan func(), 64),
	}
}

// SetOwners updates the owner list. Safe to call during hot-reload.
func (m *Manager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *Manager) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.owners, id)
}

// SetRegistry replaces the command and callback tables. /help is always added.
func (m *Manager) SetRegistry(cmds []Command, cbs []CallbackRoute) {
	table := map[string]Command{}
	menu := make([]Command, 0, len(cmds)+1)
	cmds = append(cmds, Command{
		Name:        "help",
		Description: "list commands",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText())
		},
	})
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		table[name] = c
		menu = append(menu, c)
		for _, a := range c.Aliases {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
				if _, exists := table[a]; !exists {
					table[a] = c
				}
			}
		}
	}
	sort.SliceStable(menu, func(i, j int) bool { return menu[i].Name < menu[j].Name })

	routes := map[string]CallbackRoute{}
	for _, r := range cbs {
		if p := strings.TrimSpace(r.Prefix); p != "" && r.Handle != nil {
			routes[p] = r
		}
	}

	m.mu.Lock()
	m.cmds = table
	m.menu = menu
	m.callbacks = routes
	m.mu.Unlock()
}

// UpdateMenu pushes the command list to the adapter's menu, if supported.
func (m *Manager) UpdateMenu(ctx context.Context) error {
	up, ok := m.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	m.mu.RLock()
	out := make([]kit.BotCommand, 0, len(m.menu))
	for _, c := range m.menu {
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return up.UpdateMenuCommands(ctx, out)
}

func (m *Manager) helpText() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var b strings.Builder
	b.WriteString("Commands:")
	for _, c := range m.menu {
		b.WriteString("\n/")
		b.WriteString(c.Name)
		if c.Description != "" {
			b.WriteString(" - ")
			b.WriteString(c.Description)
		}
	}
	return b.String()
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being closed).
func (m *Manager) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop consumes updates until ctx is done or updates is closed.
// A Manager runs at most one DispatchLoop in its lifetime.
func (m *Manager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(m.log), rtsup.WithCancelOnError(false))
	m.log.Info("command dispatcher started", logx.Int("workers", m.workers))

	for i := 0; i < m.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}

	defer func() {
		close(m.jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.route(ctx, up)
		}
	}
}

func (m *Manager) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		m.routeMessage(ctx, up)
	case kit.UpdateCallback:
		m.routeCallback(ctx, up)
	}
}

func (m *Manager) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	fields := strings.Fields(text)
	word := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	if !m.isOwner(msg.FromID) {
		m.log.Debug("ignored command from non-owner", logx.Int64("from_id", msg.FromID), logx.String("cmd", word))
		return
	}

	m.mu.RLock()
	cmd, ok := m.cmds[word]
	m.mu.RUnlock()
	if !ok {
		_, _ = m.adapter.SendText(ctx, chat, "unknown command, try /help", nil)
		return
	}

	rid := newReqID()
	req := &Request{
		Kind:    KindCommand,
		Update:  up,
		Chat:    chat,
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    fields[1:],
		ReqID:   rid,
		Adapter: m.adapter,
		Logger:  m.log.With(logx.String("rid", rid), logx.String("cmd", cmd.Name)),
	}
	final := Chain(cmd.Handle, recoverPanic(), logRequest(), withDeadline(cmd.Timeout))
	if !m.tryEnqueue(func() { _ = final(ctx, req) }) {
		_, _ = m.adapter.SendText(ctx, chat, "busy, try again", nil)
	}
}

func (m *Manager) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	data := strings.TrimSpace(cb.Data)
	prefix, _, _ := strings.Cut(data, "|")

	m.mu.RLock()
	route, ok := m.callbacks[prefix]
	m.mu.RUnlock()
	if !ok {
		return
	}
	if !m.isOwner(cb.FromID) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "forbidden")
		return
	}

	kind := route.Kind
	if kind == "" {
		kind = KindCallback
	}
	rid := newReqID()
	req := &Request{
		Kind:    kind,
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID},
		FromID:  cb.FromID,
		Command: "cb:" + prefix,
		ReqID:   rid,
		Adapter: m.adapter,
		Logger:  m.log.With(logx.String("rid", rid), logx.String("cmd", "cb:"+prefix)),
	}
	h := func(c context.Context, r *Request) error { return route.Handle(c, r, data) }
	final := Chain(h, recoverPanic(), logRequest(), withDeadline(route.Timeout))
	if !m.tryEnqueue(func() { _ = final(ctx, req) }) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "busy")
	}
}

func timeoutOr(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultTimeout
	}
	return d
}
