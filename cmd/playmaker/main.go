package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/playmaker/internal/account"
	"github.com/smallbiznis/playmaker/internal/auth"
	"github.com/smallbiznis/playmaker/internal/authorization"
	"github.com/smallbiznis/playmaker/internal/checkout"
	"github.com/smallbiznis/playmaker/internal/clock"
	"github.com/smallbiznis/playmaker/internal/config"
	"github.com/smallbiznis/playmaker/internal/entitlement"
	"github.com/smallbiznis/playmaker/internal/invoice"
	"github.com/smallbiznis/playmaker/internal/migration"
	"github.com/smallbiznis/playmaker/internal/observability"
	"github.com/smallbiznis/playmaker/internal/payment"
	"github.com/smallbiznis/playmaker/internal/pricing"
	"github.com/smallbiznis/playmaker/internal/providers"
	"github.com/smallbiznis/playmaker/internal/ratelimit"
	"github.com/smallbiznis/playmaker/internal/reconcile"
	"github.com/smallbiznis/playmaker/internal/scheduler"
	"github.com/smallbiznis/playmaker/internal/seed"
	"github.com/smallbiznis/playmaker/internal/server"
	"github.com/smallbiznis/playmaker/pkg/db"
	"go.uber.org/fx"
)

// Single binary: migrations, HTTP API and the reconcile sweep.
func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Functional Domains
		account.Module,
		pricing.Module,
		invoice.Module,
		payment.Module,
		entitlement.Module,
		authorization.Module,
		reconcile.Module,
		checkout.Module,
		providers.Module,
		ratelimit.Module,
		auth.Module,
		seed.Module,

		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
