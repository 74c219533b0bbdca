package storage

import "github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/internal/crypto"

// InitStore opens a PostgresStore against dbConnStr, signing rows with
// signer and (when cipher is non-nil) sealing pii/phi task config at rest.
func InitStore(dbConnStr string, signer *crypto.Signer, cipher *crypto.Cipher) (*PostgresStore, error) {
	return NewPostgresStore(dbConnStr, signer, cipher)
}
