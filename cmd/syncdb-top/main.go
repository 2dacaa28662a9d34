// Command syncdb-top shows a running replicator's status live and lets
// the operator retry or suspend it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/dd0wney/cluso-sync/pkg/api"
)

func main() {
	addr := flag.String("addr", "http://localhost:8090", "syncdb admin address")
	flag.Parse()

	client := api.NewClient(*addr, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := tea.NewProgram(newModel(*addr, client), tea.WithAltScreen())
	go watch(ctx, client, p)

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "syncdb-top: %v\n", err)
		os.Exit(1)
	}
}

// watch feeds the status stream into the program, reconnecting after a
// short pause whenever it drops.
func watch(ctx context.Context, client *api.Client, p *tea.Program) {
	for {
		err := client.StreamStatus(ctx, func(st api.StatusResponse) {
			p.Send(statusMsg(st))
		})
		if ctx.Err() != nil {
			return
		}
		p.Send(disconnectedMsg{err: err})

		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return
		}
	}
}
