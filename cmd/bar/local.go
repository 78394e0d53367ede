package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/org/barvault/internal/container"
	"github.com/org/barvault/internal/policy"
	"github.com/org/barvault/internal/vault"
)

func localCodec() (*container.Codec, error) {
	return container.New(container.Config{Iterations: cfg.KDFIterations})
}

// sealFile seals the file at in and writes the container to out.
func sealFile(codec *container.Codec, in, out, password string, p container.Params) (*container.Sealed, error) {
	plaintext, err := os.ReadFile(in)
	if err != nil {
		return nil, err
	}
	if p.Filename == "" {
		p.Filename = filepath.Base(in)
	}
	svc := vault.New(vault.Deps{Codec: codec})
	sealed, err := svc.SealClient(context.Background(), vault.SealRequest{
		Plaintext: plaintext,
		Params:    p,
		Password:  password,
	})
	if err != nil {
		return nil, err
	}
	if err := writeNew(out, sealed.Data, false); err != nil {
		return nil, err
	}
	return sealed, nil
}

// openFile opens the container at in. With bump set the container is
// rewritten in place with its embedded view counter incremented.
func openFile(codec *container.Codec, in, password string, bump bool) (*policy.Result, error) {
	data, err := os.ReadFile(in)
	if err != nil {
		return nil, err
	}
	engine := policy.NewEngine(policy.Deps{Codec: codec})
	res, err := engine.Redeem(context.Background(), policy.Request{
		Data:     data,
		Password: password,
		Reseal:   bump,
	})
	if err != nil {
		return nil, err
	}
	if bump {
		if err := os.WriteFile(in, res.Resealed, 0o600); err != nil {
			return nil, fmt.Errorf("writing updated container: %w", err)
		}
	}
	return res, nil
}

// writeNew writes data to path, refusing to clobber an existing file unless
// force is set. "-" writes to stdout.
func writeNew(path string, data []byte, force bool) error {
	if path == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func metadataView(m container.Metadata) map[string]any {
	out := map[string]any{
		"filename":           m.Filename,
		"created_at":         m.CreatedAt.Format(time.RFC3339),
		"max_views":          m.MaxViews,
		"current_views":      m.CurrentViews,
		"password_protected": m.PasswordProtected,
		"view_only":          m.ViewOnly,
		"storage_mode":       string(m.StorageMode),
		"expires_at":         nil,
	}
	if m.ExpiresAt != nil {
		out["expires_at"] = m.ExpiresAt.Format(time.RFC3339)
	}
	if m.ContainerID != "" {
		out["container_id"] = m.ContainerID
	}
	return out
}
