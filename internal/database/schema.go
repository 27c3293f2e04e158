// internal/database/schema.go
//
// Control-plane DDL.
//
// The statements are idempotent (IF NOT EXISTS) and run one at a time
// because the MySQL driver rejects multi-statement exec by default.

package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const ddlApps = `
CREATE TABLE IF NOT EXISTS apps (
  slug             VARCHAR(63)  NOT NULL,
  name             VARCHAR(255) NOT NULL DEFAULT '',
  status           VARCHAR(16)  NOT NULL DEFAULT 'active',
  kind             VARCHAR(16)  NOT NULL DEFAULT 'backend',
  entry_path       VARCHAR(255) NOT NULL DEFAULT '',
  build_output_dir VARCHAR(255) NOT NULL DEFAULT '',
  proxy_map        TEXT         NOT NULL,
  source           VARCHAR(16)  NOT NULL DEFAULT 'unknown',
  repo_url         VARCHAR(512) NOT NULL DEFAULT '',
  branch           VARCHAR(128) NOT NULL DEFAULT '',
  webhook_url      VARCHAR(512) NOT NULL DEFAULT '',
  request_count    BIGINT UNSIGNED NOT NULL DEFAULT 0,
  last_error       TEXT         NOT NULL,
  created_at       DATETIME     NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at       DATETIME     NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
  last_deployed_at DATETIME     NULL,
  PRIMARY KEY (slug)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;`

const ddlSettings = `
CREATE TABLE IF NOT EXISTS settings (
  ` + "`key`" + `      VARCHAR(191) NOT NULL,
  value       TEXT         NOT NULL,
  category    VARCHAR(32)  NOT NULL DEFAULT 'general',
  encrypted   TINYINT(1)   NOT NULL DEFAULT 0,
  description VARCHAR(512) NOT NULL DEFAULT '',
  updated_at  DATETIME     NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
  PRIMARY KEY (` + "`key`" + `)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;`

const ddlEventLogs = `
CREATE TABLE IF NOT EXISTS event_logs (
  id         BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
  slug       VARCHAR(63)  NOT NULL,
  event      VARCHAR(32)  NOT NULL,
  level      VARCHAR(8)   NOT NULL DEFAULT 'info',
  message    TEXT         NOT NULL,
  metadata   TEXT         NOT NULL,
  created_at DATETIME     NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY (id),
  KEY idx_event_logs_slug_created (slug, created_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;`

// Bootstrap applies the control-plane DDL.  Called once at startup before
// any repository touches the pool.
func Bootstrap(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range []string{ddlApps, ddlSettings, ddlEventLogs} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("database: bootstrap: %w", err)
		}
	}
	return nil
}
