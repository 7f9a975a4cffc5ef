package sandbox

import (
	"context"

	"github.com/rs/zerolog/log"
)

// ResetOrDeployAll applies ResetOrDeploy to every port in order and reports
// whether any of them was deployed. The first error stops the run.
func (m *Manager) ResetOrDeployAll(ctx context.Context, ports []int) (bool, error) {
	ctx, span := m.tracer.StartSpan(ctx, "sandbox.reset_or_deploy_all")
	defer span.End()

	anyDeployed := false
	for _, port := range ports {
		deployed, err := m.ResetOrDeploy(ctx, port)
		if err != nil {
			span.RecordError(err)
			return anyDeployed, err
		}
		anyDeployed = anyDeployed || deployed
	}

	log.Info().Ints("ports", ports).Bool("deployed", anyDeployed).Msg("Sandboxes ready")
	return anyDeployed, nil
}

// CleanupAll deletes every sandbox when they were deployed by this run
func (m *Manager) CleanupAll(ctx context.Context, ports []int, deployed bool) {
	if !deployed {
		log.Info().Ints("ports", ports).Msg("Sandboxes were reused, leaving them in place")
		return
	}
	for _, port := range ports {
		m.Cleanup(ctx, port)
	}
}

// CleanupOrReset deletes a sandbox deployed by this run, or returns a reused
// one to its baseline.
func (m *Manager) CleanupOrReset(ctx context.Context, port int, deployed bool) error {
	if deployed {
		m.Cleanup(ctx, port)
		return nil
	}
	_, err := m.ResetOrDeploy(ctx, port)
	return err
}

// ResetAllServerTransactions runs ResetServerTransactions on every port.
// Unreachable sandboxes are logged and skipped.
func (m *Manager) ResetAllServerTransactions(ctx context.Context, ports []int) {
	for _, port := range ports {
		if err := m.ResetServerTransactions(ctx, port); err != nil {
			log.Warn().Err(err).Int("port", port).Msg("Skipping transaction reset")
		}
	}
}
