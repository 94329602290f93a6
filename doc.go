// Package clusterdb is an embedded, file-backed record store.
//
// Records of one type live in a Repository, backed by a directory of cluster
// files. The identifier of each record maps to a 64 bit hash key; clusters
// cover contiguous hash key ranges and are split once they outgrow their byte
// budget, so that each file stays small.
//
//	reg, err := clusterdb.NewRegistry("data")
//	users, err := clusterdb.Open(reg, clusterdb.Entity[User, int64]{
//		ID:           func(u User) int64 { return u.ID },
//		SetID:        func(u User, id int64) User { u.ID = id; return u },
//		AutoGenerate: true,
//	})
//	u, err := users.Save(User{Name: "ada"})
//	err = reg.Close()
//
// Writes are kept in memory until Flush (or Registry.Close). Record level
// locking is provided by Tx: a record saved or deleted through a transaction
// stays locked until Commit or Rollback, and Rollback restores the previous
// values.
package clusterdb
