package roster

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/fcpbot/fcpbot/internal/fault"
)

// Mode selects how the validator treats members missing from the identity store
type Mode string

// Validation modes
const (
	// ModeRequire fails startup when a member has never been seen.
	ModeRequire Mode = "require"
	// ModeUpsert inserts a minimal identity for each unseen member.
	ModeUpsert Mode = "upsert"
)

// ParseMode converts a config string into a Mode
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeRequire, ModeUpsert:
		return m, nil
	case "":
		return ModeRequire, nil
	}
	return "", fault.Config("roster mode", fmt.Errorf("unknown mode %q (valid: require, upsert)", s))
}

// IdentityStore is the part of the durable store the validator needs
type IdentityStore interface {
	// MissingIdentities returns the logins that have no identity row
	MissingIdentities(ctx context.Context, logins []string) ([]string, error)
	// EnsureIdentities inserts identities that do not exist yet and
	// returns how many were created. Existing rows are not touched.
	EnsureIdentities(ctx context.Context, logins []string) (int, error)
}

// MissingIdentitiesError names every roster login absent from the store.
// Fresh is set when no roster member is known, as on a new database the
// roster was never imported into.
type MissingIdentitiesError struct {
	Logins []string
	Fresh  bool
}

func (e *MissingIdentitiesError) Error() string {
	msg := fmt.Sprintf("roster references %d unknown login(s): %s", len(e.Logins), strings.Join(e.Logins, ", "))
	if e.Fresh {
		msg += "; the identity store has none of the roster, import the roster once with 'fcpbot roster check --mode upsert'"
	} else {
		msg += "; add them with 'fcpbot roster check --mode upsert' if they are genuine"
	}
	return msg
}

// Validator cross-checks roster membership against the identity store
type Validator struct {
	Mode   Mode
	Logger *slog.Logger
}

// Validate runs the configured policy over every member of r. Any error is
// a configuration fault; callers must not start the engine when it fails.
func (v *Validator) Validate(ctx context.Context, r *Roster, store IdentityStore) error {
	logger := v.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	members := r.Members()

	switch v.Mode {
	case ModeUpsert:
		created, err := store.EnsureIdentities(ctx, members)
		if err != nil {
			return fault.Config("upsert roster identities", err)
		}
		logger.Info("roster validated",
			"mode", string(v.Mode),
			"teams", len(r.TeamLabels()),
			"members", len(members),
			"created", created,
		)
		return nil
	case ModeRequire, "":
		missing, err := store.MissingIdentities(ctx, members)
		if err != nil {
			return fault.Config("check roster identities", err)
		}
		if len(missing) > 0 {
			return fault.Config("validate roster", &MissingIdentitiesError{
				Logins: missing,
				Fresh:  len(missing) == len(members),
			})
		}
		logger.Info("roster validated",
			"mode", string(ModeRequire),
			"teams", len(r.TeamLabels()),
			"members", len(members),
		)
		return nil
	}
	return fault.Config("validate roster", fmt.Errorf("unknown mode %q", v.Mode))
}
