package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type view int

const (
	viewSessions view = iota
	viewPools
	viewBreakers
)

var titleStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)

// item implements list.Item for every panel this dashboard shows.
type item struct {
	title, desc string
}

func (i item) FilterValue() string { return i.title }
func (i item) Title() string       { return i.title }
func (i item) Description() string { return i.desc }

type tickMsg time.Time

type sessionsMsg []map[string]any
type poolMsg []map[string]any
type breakersMsg map[string]string

type model struct {
	addr string
	view view

	sessions list.Model
	pools    list.Model
	breakers list.Model

	poolName string
}

func newModel(addr string) model {
	mk := func(title string) list.Model {
		l := list.New(nil, list.NewDefaultDelegate(), 0, 0)
		l.Title = title
		return l
	}
	return model{
		addr:     addr,
		sessions: mk("Sessions"),
		pools:    mk("Load Balancer Pool: default"),
		breakers: mk("Circuit Breakers"),
		poolName: "default",
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.poll(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) poll() tea.Cmd {
	return tea.Batch(m.fetchSessions(), m.fetchPool(), m.fetchBreakers())
}

func (m model) fetchSessions() tea.Cmd {
	return func() tea.Msg {
		var out []map[string]any
		_ = getJSON(m.addr+"/admin/sessions", &out)
		return sessionsMsg(out)
	}
}

func (m model) fetchPool() tea.Cmd {
	return func() tea.Msg {
		var out []map[string]any
		_ = getJSON(m.addr+"/admin/loadbalancer/"+m.poolName, &out)
		return poolMsg(out)
	}
}

func (m model) fetchBreakers() tea.Cmd {
	return func() tea.Msg {
		out := map[string]string{}
		_ = getJSON(m.addr+"/admin/breakers", &out)
		return breakersMsg(out)
	}
}

func getJSON(url string, v any) error {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.sessions.SetSize(msg.Width, msg.Height-2)
		m.pools.SetSize(msg.Width, msg.Height-2)
		m.breakers.SetSize(msg.Width, msg.Height-2)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "1":
			m.view = viewSessions
		case "2":
			m.view = viewPools
		case "3":
			m.view = viewBreakers
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.poll(), tick())

	case sessionsMsg:
		items := make([]list.Item, 0, len(msg))
		for _, s := range msg {
			items = append(items, item{
				title: stringify(s["id"]),
				desc:  stringify(s["status"]) + " " + stringify(s["transportType"]),
			})
		}
		m.sessions.SetItems(items)
		return m, nil

	case poolMsg:
		items := make([]list.Item, 0, len(msg))
		for _, inst := range msg {
			items = append(items, item{
				title: stringify(inst["id"]),
				desc:  stringify(inst["host"]) + ":" + stringify(inst["port"]) + " available=" + stringify(inst["available"]),
			})
		}
		m.pools.SetItems(items)
		return m, nil

	case breakersMsg:
		items := make([]list.Item, 0, len(msg))
		for upstream, state := range msg {
			items = append(items, item{title: upstream, desc: state})
		}
		m.breakers.SetItems(items)
		return m, nil
	}

	var cmd tea.Cmd
	switch m.view {
	case viewSessions:
		m.sessions, cmd = m.sessions.Update(msg)
	case viewPools:
		m.pools, cmd = m.pools.Update(msg)
	case viewBreakers:
		m.breakers, cmd = m.breakers.Update(msg)
	}
	return m, cmd
}

func (m model) View() string {
	header := titleStyle.Render("gateway-admin  [1] sessions  [2] pools  [3] breakers  [q] quit")
	switch m.view {
	case viewPools:
		return header + "\n" + m.pools.View()
	case viewBreakers:
		return header + "\n" + m.breakers.View()
	default:
		return header + "\n" + m.sessions.View()
	}
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
