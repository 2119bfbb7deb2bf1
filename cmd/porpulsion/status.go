// Copyright 2026 The Porpulsion Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"time"

	"github.com/alecthomas/chroma/v2/quick"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/junegunn/fzf/src/algo"
	"github.com/junegunn/fzf/src/util"
	"github.com/mattn/go-isatty"
	"github.com/spf13/pflag"
	"github.com/yuin/goldmark"

	"github.com/porpulsion/porpulsion/internal/model"
)

// runStatus polls a running agent's dashboard REST API and renders a
// live terminal summary, polling over the network instead of reading
// the agent's state directly.
func runStatus(args []string) error {
	var dashboardURL string
	flags := pflag.NewFlagSet("porpulsion status", pflag.ContinueOnError)
	flags.StringVar(&dashboardURL, "dashboard-url", "http://127.0.0.1:8080", "base URL of a running agent's dashboard API")
	if err := flags.Parse(args); err != nil {
		return err
	}

	client := &dashboardClient{base: dashboardURL, http: &http.Client{Timeout: 5 * time.Second}}

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return printPlainSummary(client)
	}

	m := newStatusModel(client)
	program := tea.NewProgram(m)
	_, err := program.Run()
	return err
}

// dashboardClient is a thin REST client over the endpoints
// internal/api.Routes mounts at /peers, /remoteapps, /notifications.
type dashboardClient struct {
	base string
	http *http.Client
}

func (c *dashboardClient) fetchPeers() ([]model.Peer, error) {
	var peers []model.Peer
	err := c.getJSON("/peers", &peers)
	return peers, err
}

type remoteAppsResponse struct {
	Submitted       []model.RemoteApp       `json:"submitted"`
	Executing       []model.RemoteApp       `json:"executing"`
	PendingApproval []model.PendingApproval `json:"pending_approval"`
}

func (c *dashboardClient) fetchApps() (remoteAppsResponse, error) {
	var resp remoteAppsResponse
	err := c.getJSON("/remoteapps", &resp)
	return resp, err
}

func (c *dashboardClient) fetchNotifications() ([]model.Notification, error) {
	var notifications []model.Notification
	err := c.getJSON("/notifications", &notifications)
	return notifications, err
}

func (c *dashboardClient) getJSON(path string, v any) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// printPlainSummary is the non-interactive fallback when stdout isn't
// a TTY (piped output, CI logs): useful output even without a real
// terminal.
func printPlainSummary(c *dashboardClient) error {
	peers, err := c.fetchPeers()
	if err != nil {
		return fmt.Errorf("fetching peers: %w", err)
	}
	apps, err := c.fetchApps()
	if err != nil {
		return fmt.Errorf("fetching remote apps: %w", err)
	}
	fmt.Printf("peers: %d\n", len(peers))
	for _, p := range peers {
		fmt.Printf("  %-20s %-12s channel=%s\n", p.Name, p.Status, p.Channel)
	}
	fmt.Printf("submitted apps: %d\n", len(apps.Submitted))
	for _, a := range apps.Submitted {
		fmt.Printf("  %-20s -> %-16s %s\n", a.Name, a.TargetPeer, a.Status)
	}
	fmt.Printf("executing apps: %d\n", len(apps.Executing))
	for _, a := range apps.Executing {
		fmt.Printf("  %-20s <- %-16s %s\n", a.Name, a.SourcePeer, a.Status)
	}
	return nil
}

// refreshInterval is how often the dashboard re-polls the REST API.
const refreshInterval = 2 * time.Second

type statusModel struct {
	client *dashboardClient

	peers         []model.Peer
	apps          remoteAppsResponse
	notifications []model.Notification
	filter        string
	err           error

	width, height int
}

func newStatusModel(client *dashboardClient) statusModel {
	return statusModel{client: client}
}

type refreshMsg struct {
	peers         []model.Peer
	apps          remoteAppsResponse
	notifications []model.Notification
	err           error
}

func (m statusModel) Init() tea.Cmd {
	return m.refresh()
}

func (m statusModel) refresh() tea.Cmd {
	return func() tea.Msg {
		peers, err := m.client.fetchPeers()
		if err != nil {
			return refreshMsg{err: err}
		}
		apps, err := m.client.fetchApps()
		if err != nil {
			return refreshMsg{err: err}
		}
		notifications, err := m.client.fetchNotifications()
		if err != nil {
			return refreshMsg{err: err}
		}
		return refreshMsg{peers: peers, apps: apps, notifications: notifications}
	}
}

func scheduleRefresh() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg { return tickMsg{} })
}

type tickMsg struct{}

func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "backspace":
			if len(m.filter) > 0 {
				m.filter = m.filter[:len(m.filter)-1]
			}
			return m, nil
		default:
			if len(msg.Runes) == 1 {
				m.filter += string(msg.Runes)
			}
			return m, nil
		}
	case tickMsg:
		return m, m.refresh()
	case refreshMsg:
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.err = nil
			m.peers = msg.peers
			m.apps = msg.apps
			m.notifications = msg.notifications
		}
		return m, scheduleRefresh()
	}
	return m, nil
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

func (m statusModel) View() string {
	if m.err != nil {
		return errStyle.Render(fmt.Sprintf("porpulsion status: %v", m.err)) + "\n"
	}

	out := headerStyle.Render("PEERS") + "\n"
	for _, p := range filterPeers(m.peers, m.filter) {
		out += fmt.Sprintf("  %-20s %-12s channel=%s\n", p.Name, p.Status, p.Channel)
	}
	out += "\n" + headerStyle.Render("SUBMITTED APPS") + "\n"
	for _, a := range m.apps.Submitted {
		out += fmt.Sprintf("  %-20s -> %-16s %s\n", a.Name, a.TargetPeer, renderMessage(a.Message))
	}
	out += "\n" + headerStyle.Render("EXECUTING APPS") + "\n"
	for _, a := range m.apps.Executing {
		out += fmt.Sprintf("  %-20s <- %-16s %s\n", a.Name, a.SourcePeer, renderMessage(a.Message))
	}
	out += "\n" + headerStyle.Render("NOTIFICATIONS") + "\n"
	for _, n := range unackedNotifications(m.notifications) {
		out += fmt.Sprintf("  [%-5s] %s\n", n.Level, n.Title)
	}
	out += "\n" + dimStyle.Render(fmt.Sprintf("filter: %s    q to quit", m.filter))
	return out
}

// unackedNotifications caps the feed at 5 entries so a noisy agent
// doesn't push the peer/app tables off screen.
func unackedNotifications(notifications []model.Notification) []model.Notification {
	var out []model.Notification
	for _, n := range notifications {
		if n.Ack {
			continue
		}
		out = append(out, n)
		if len(out) == 5 {
			break
		}
	}
	return out
}

// fencedCodeBlockPattern matches a Markdown fenced code block, capturing
// the language tag and the code body.
var fencedCodeBlockPattern = regexp.MustCompile("(?s)```(\\w*)\\n(.*?)```")

// renderMessage renders a RemoteApp's free-form message field through
// goldmark's default renderer, which emits HTML markup, and returns
// that markup dimmed (the raw message if conversion fails). A message
// carrying a fenced code block (executor stack traces, rejected specs)
// gets that block syntax-highlighted via Chroma instead of passed
// through goldmark, which has no terminal renderer of its own.
func renderMessage(message string) string {
	if message == "" {
		return ""
	}
	if fencedCodeBlockPattern.MatchString(message) {
		return renderMessageWithHighlightedCode(message)
	}
	var buf stringWriter
	if err := goldmark.Convert([]byte(message), &buf); err != nil {
		return message
	}
	return dimStyle.Render(buf.String())
}

func renderMessageWithHighlightedCode(message string) string {
	var out []byte
	last := 0
	for _, loc := range fencedCodeBlockPattern.FindAllStringSubmatchIndex(message, -1) {
		out = append(out, dimStyle.Render(message[last:loc[0]])...)
		out = append(out, highlightCode(message[loc[4]:loc[5]], message[loc[2]:loc[3]])...)
		last = loc[1]
	}
	out = append(out, dimStyle.Render(message[last:])...)
	return string(out)
}

// highlightCode syntax-highlights code for terminal display, falling
// back to dim plain text for an unrecognized or empty language.
func highlightCode(code, language string) string {
	if language == "" {
		return dimStyle.Render(code)
	}
	var buf stringWriter
	if err := quick.Highlight(&buf, code, language, "terminal256", "monokai"); err != nil {
		return dimStyle.Render(code)
	}
	return buf.String()
}

type stringWriter struct{ s string }

func (w *stringWriter) Write(p []byte) (int, error) {
	w.s += string(p)
	return len(p), nil
}

func (w *stringWriter) String() string { return w.s }

// filterPeers fuzzy-matches the jump-to-peer filter against each
// peer's name using fzf's own matching algorithm, so the status
// dashboard's picker behaves exactly like the fzf binary operators
// already know.
func filterPeers(peers []model.Peer, pattern string) []model.Peer {
	if pattern == "" {
		return peers
	}
	slab := util.MakeSlab(100*1024, 2048)
	runes := []rune(pattern)
	var out []model.Peer
	for _, p := range peers {
		chars := util.RunesToChars([]rune(p.Name))
		result, _ := algo.FuzzyMatchV2(false, true, true, &chars, runes, false, slab)
		if result.Start >= 0 {
			out = append(out, p)
		}
	}
	return out
}
