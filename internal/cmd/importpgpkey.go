package cmd

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/tethermail/tether/internal/cache"
	"github.com/tethermail/tether/internal/credentials"
	"github.com/tethermail/tether/internal/logging"
	"github.com/tethermail/tether/internal/pgp"
)

// ImportPGPKey reads an ASCII-armored PGP keyring from a file and records
// it for account-id: the public key's metadata goes into the cache
// database's pgp_keys table, and a private key (if the file carries one)
// goes into the credential store under its new key ID. A later `sync --`
// run with pgp.enabled: true picks the key up by account ID to verify and
// decrypt that account's mail.
func ImportPGPKey(cCtx *cli.Context) error {
	log := logging.WithComponent("cmd")

	if cCtx.NArg() < 2 {
		return fmt.Errorf("usage: tether import-pgp-key <account-id> <armored-key-file>")
	}
	accountID := cCtx.Args().Get(0)
	keyPath := cCtx.Args().Get(1)

	armored, err := os.ReadFile(keyPath)
	if err != nil {
		return fmt.Errorf("read key file: %w", err)
	}

	entities, err := pgp.ParseArmoredKey(string(armored))
	if err != nil {
		return fmt.Errorf("parse armored key: %w", err)
	}
	entity := entities[0]

	pubArmored, err := pgp.ArmorPublicKey(entity)
	if err != nil {
		return fmt.Errorf("armor public key: %w", err)
	}

	key := pgp.ExtractKeyMetadata(entity)
	key.AccountID = accountID

	cacheDir := cCtx.String("config-dir")
	if cacheDir == "" {
		cacheDir = "."
	}
	db, err := cache.Open(cacheDir+"/cache.db", cacheDir+"/bodies")
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate cache: %w", err)
	}

	store := pgp.NewStore(db.DB)
	if err := store.SaveKey(key, pubArmored); err != nil {
		return fmt.Errorf("save key metadata: %w", err)
	}

	if entity.PrivateKey != nil {
		privArmored, err := pgp.ArmorPrivateKey(entity)
		if err != nil {
			return fmt.Errorf("armor private key: %w", err)
		}
		credStore, err := credentials.NewStore(db.DB, cacheDir)
		if err != nil {
			return fmt.Errorf("open credential store: %w", err)
		}
		if err := credStore.SetPGPPrivateKey(key.ID, []byte(privArmored)); err != nil {
			return fmt.Errorf("store private key: %w", err)
		}
	}

	log.Info().Str("account", accountID).Str("key_id", key.KeyID).Str("fingerprint", key.Fingerprint).
		Bool("has_private", entity.PrivateKey != nil).Msg("imported pgp key")
	fmt.Printf("Imported key %s (%s) for %s.\n", key.KeyID, key.Email, accountID)
	return nil
}
