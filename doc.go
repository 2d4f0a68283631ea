// Package litepool provides a concurrency runtime for a single SQLite
// database file: one serialized writer connection, a bounded pool of
// read-only connections sharing a WAL snapshot each, row-level change
// observation, and a region algebra for describing which part of the
// database a statement touches.
//
// A Pool owns the writer and its reader pool together:
//
//	pool, err := litepool.Open(ctx, litepool.DefaultConfig("app.db"))
//	err = pool.Write(ctx, func(ctx context.Context, conn *engine.Conn) error {
//		_, err := conn.SQL().ExecContext(ctx, "INSERT INTO users(name) VALUES (?)", "ada")
//		return err
//	})
//
// Reads run against the reader pool under their own snapshot:
//
//	err = pool.Read(ctx, func(ctx context.Context, conn *engine.Conn) error {
//		row := conn.SQL().QueryRowContext(ctx, "SELECT count(*) FROM users")
//		...
//	})
//
// SnapshotPool pins one connection to a single snapshot for as long as the
// caller needs consistent repeated reads; Observer/Broker notify callers
// of row-level changes a write transaction committed.
package litepool
