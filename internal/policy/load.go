package policy

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tunnelguard/tunnelguard/internal/domain"
)

// Load reads, validates, and seals a policy document. The returned policy
// has ContentHash recomputed from each reference copy; hashes are never
// trusted from the document itself. Failures are *domain.PolicyError.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.PolicyError{Reason: "read document", Err: err}
	}

	pol := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	// Unknown keys are rejected: a typo that silently disables a
	// protection must fail loudly instead.
	dec.KnownFields(true)
	if err := dec.Decode(pol); err != nil {
		return nil, &domain.PolicyError{Reason: "parse document", Err: err}
	}

	if err := pol.Validate(); err != nil {
		return nil, &domain.PolicyError{Reason: "validate document", Err: err}
	}

	for i := range pol.Files {
		f := &pol.Files[i]
		sum, err := HashFile(f.Reference)
		if err != nil {
			return nil, &domain.PolicyError{
				Reason: fmt.Sprintf("hash reference copy for %s", f.Path),
				Err:    err,
			}
		}
		f.ContentHash = sum
	}

	return pol, nil
}

// HashFile returns the hex SHA-256 of a file's contents, streamed so large
// binaries do not land in memory.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFileContext is HashFile bounded by a context, for the monitoring
// path where reading a hostile file (FIFO, ever-growing log) must not
// stall the scan past its probe timeout.
func HashFileContext(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, 256*1024)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
