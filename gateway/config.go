// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package gateway

import (
	"storj.io/genrelay/gateway/accounting"
	"storj.io/genrelay/gateway/admin"
	"storj.io/genrelay/gateway/auth"
	"storj.io/genrelay/gateway/discovery"
	"storj.io/genrelay/gateway/generate"
	"storj.io/genrelay/gateway/pool"
)

// Config is the global configuration of the gateway peer.
type Config struct {
	Database string `help:"key-value store for tokens, project states and metrics (redis:// address or a bolt file path)" default:"redis://127.0.0.1:6379?db=0" testDefault:"$CONFDIR/state.db"`

	Admin      admin.Config
	Auth       auth.Config
	Pool       pool.Config
	Generate   generate.Config
	Accounting accounting.Config
	Discovery  discovery.Config
}
