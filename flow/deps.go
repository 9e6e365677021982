package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"leaseflow/address"
	"leaseflow/apperr"
	"leaseflow/contentstore"
	"leaseflow/ledger"
)

var ErrNotInitialized = apperr.Internal("not_initialized", "program config is not initialized")

// Deps bundles what every lifecycle service reads and prepares with.
type Deps struct {
	Runner  *Runner
	Reader  *ledger.Reader
	Deriver *address.Deriver
	Content contentstore.Store
	Now     func() time.Time
}

// Unix returns the current time in ledger seconds.
func (d Deps) Unix() int64 {
	if d.Now == nil {
		return time.Now().Unix()
	}
	return d.Now().Unix()
}

// Program is the lifecycle program id.
func (d Deps) Program() address.Address { return d.Deriver.ProgramID() }

// Config reads the singleton program config and its address.
func (d Deps) Config(ctx context.Context) (address.Address, *ledger.Config, error) {
	addr, err := d.Deriver.Config()
	if err != nil {
		return address.Zero, nil, err
	}
	cfg, err := d.Reader.Config(ctx, addr)
	if err != nil {
		return address.Zero, nil, err
	}
	if !cfg.Initialized {
		return address.Zero, nil, ErrNotInitialized
	}
	return addr, cfg, nil
}

// UploadJSON stores v as a JSON document owned by owner and returns its id
// encoded for a ledger field.
func (d Deps) UploadJSON(ctx context.Context, owner address.Address, v any) (contentstore.ContentID, ledger.ContentField, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", ledger.ContentField{}, fmt.Errorf("flow: marshal document: %w", err)
	}
	res, err := d.Content.Put(ctx, body, "application/json", owner.String())
	if err != nil {
		return "", ledger.ContentField{}, err
	}
	field, err := contentstore.EncodeToFixedField(res.ContentID)
	if err != nil {
		d.Content.Unpin(context.WithoutCancel(ctx), res.ContentID)
		return "", ledger.ContentField{}, err
	}
	return res.ContentID, field, nil
}
