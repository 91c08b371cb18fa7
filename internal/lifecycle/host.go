package lifecycle

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/p4net/internal/logging"
	"github.com/signalsfoundry/p4net/internal/substrate"
)

// startHost configures the host context and launches its exec commands,
// which keep running until the host stops.
func (m *Manager) startHost(ctx context.Context, r *runner) error {
	n := r.node
	h, ok := m.contextOf(n.Name())
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoContext, n.Name())
	}
	for _, cmd := range hostSetupCommands(n) {
		if err := substrate.Run(ctx, m.sub, h, cmd); err != nil {
			return err
		}
	}
	for _, line := range n.Host().Exec {
		p, err := m.sub.Spawn(ctx, h, substrate.Command{Path: "sh", Args: []string{"-c", line}})
		if err != nil {
			return err
		}
		r.execs = append(r.execs, p)
	}
	m.log.Info(ctx, "host running", logging.Node(n.Name()), logging.Int("interfaces", len(n.Interfaces())))
	return nil
}
