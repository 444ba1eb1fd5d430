// Package mysql persists custodial credential records in MySQL.
// It owns the connection pool settings, the embedded schema migrations under
// deploy/migrations, and the point lookups used on every authenticated request.
package mysql
