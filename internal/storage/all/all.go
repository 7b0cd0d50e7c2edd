// Package all links every storage backend into the binary.
package all

import (
	_ "nyc311/internal/storage/mssql"
	_ "nyc311/internal/storage/postgres"
	_ "nyc311/internal/storage/sqlite"
)
