package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/cmusatyalab/deltaic/internal/config"
)

// gpgOptions bundles the signer, recipients, and verification keyring the
// archive packer needs, all derived from a single on-disk keyring file
// named by the `archive-gpg-keyring-path` setting plus the
// `archive-gpg-signing-key`/`archive-gpg-recipients` settings —
// replacing the original's gpg2 subprocess + local keyring with an
// in-process keyring loaded once per invocation.
type gpgOptions struct {
	signer       *openpgp.Entity
	recipients   openpgp.EntityList
	keyring      openpgp.EntityList
	signingKeyFP string
}

// loadGPGOptions returns a zero-value gpgOptions (no signer, no
// recipients) when no keyring is configured, so unencrypted archiving
// remains the default.
func loadGPGOptions(cfg *config.Config) (gpgOptions, error) {
	keyringPath := config.StringExtra(cfg.Settings.Extra, "archive-gpg-keyring-path", "")
	if keyringPath == "" {
		return gpgOptions{}, nil
	}

	f, err := os.Open(keyringPath)
	if err != nil {
		return gpgOptions{}, fmt.Errorf("gpg: opening keyring %s: %w", keyringPath, err)
	}
	defer f.Close()

	keyring, err := openpgp.ReadArmoredKeyRing(f)
	if err != nil {
		if _, seekErr := f.Seek(0, 0); seekErr != nil {
			return gpgOptions{}, fmt.Errorf("gpg: rewinding keyring %s: %w", keyringPath, seekErr)
		}
		keyring, err = openpgp.ReadKeyRing(f)
		if err != nil {
			return gpgOptions{}, fmt.Errorf("gpg: parsing keyring %s: %w", keyringPath, err)
		}
	}

	signingKeyID := config.StringExtra(cfg.Settings.Extra, "archive-gpg-signing-key", "")
	var signer *openpgp.Entity
	if signingKeyID != "" {
		signer = findEntityByID(keyring, signingKeyID)
		if signer == nil {
			return gpgOptions{}, fmt.Errorf("gpg: signing key %q not found in keyring", signingKeyID)
		}
	}

	var recipients openpgp.EntityList
	for _, id := range stringSliceExtra(cfg.Settings.Extra, "archive-gpg-recipients") {
		entity := findEntityByID(keyring, id)
		if entity == nil {
			return gpgOptions{}, fmt.Errorf("gpg: recipient key %q not found in keyring", id)
		}
		recipients = append(recipients, entity)
	}

	return gpgOptions{signer: signer, recipients: recipients, keyring: keyring, signingKeyFP: signingKeyID}, nil
}

// findEntityByID matches id (a key ID or fingerprint, case-insensitive,
// matched as a suffix the way gpg's own key references work) against
// every entity's primary key fingerprint.
func findEntityByID(keyring openpgp.EntityList, id string) *openpgp.Entity {
	id = strings.ToLower(strings.TrimPrefix(id, "0x"))
	for _, entity := range keyring {
		fp := strings.ToLower(hex.EncodeToString(entity.PrimaryKey.Fingerprint))
		if strings.HasSuffix(fp, id) {
			return entity
		}
	}
	return nil
}

// stringSliceExtra reads a YAML list-of-strings value out of an inline
// Extra map; YAML decodes it as []interface{} under gopkg.in/yaml.v3.
func stringSliceExtra(extra map[string]any, key string) []string {
	raw, ok := extra[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
