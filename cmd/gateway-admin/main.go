// Command gateway-admin is a read-only live TUI dashboard over the
// gateway's admin HTTP surface: active sessions, load-balancer pools, and
// circuit-breaker states. Model/Update/View and list-item conventions are
// grounded on the teacher's internal/tui/model.go bubbletea usage, scaled
// down from a multi-pane script/process manager to three polled list
// views.
package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "gateway admin HTTP base URL")
	flag.Parse()

	p := tea.NewProgram(newModel(*addr))
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
