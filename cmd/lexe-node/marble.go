package main

import (
	"context"

	"github.com/lexe-app/lexe-node/infrastructure/logging"
	"github.com/lexe-app/lexe-node/infrastructure/marble"
)

// bootstrapMarble builds a best-effort Marble handle so backend/runner URL
// overrides can come from a MarbleRun Coordinator manifest when the node
// runs under one, falling back to plain environment variables otherwise
// (config.EnvOrSecret handles a nil *marble.Marble the same way). The
// node's own TLS identity always comes from certs/seed, never from
// m.TLSConfig(): MarbleRun here is only a config/secrets channel.
func bootstrapMarble(logger *logging.Logger, marbleType, dnsName string) *marble.Marble {
	m, err := marble.New(marble.Config{MarbleType: marbleType, DNSNames: []string{dnsName}})
	if err != nil {
		logger.Warn(context.Background(), "marble: bootstrap skipped", map[string]interface{}{"error": err.Error()})
		return nil
	}
	if err := m.Initialize(context.Background()); err != nil {
		logger.Warn(context.Background(), "marble: initialize skipped", map[string]interface{}{"error": err.Error()})
		return nil
	}
	return m
}
