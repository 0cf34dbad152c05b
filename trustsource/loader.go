package trustsource

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/keithlinneman/servekit/log"
	"github.com/keithlinneman/servekit/xerrors"
)

// Metrics receives policy reload signals. Implemented by metrics.ServerMetrics.
type Metrics interface {
	IncTrustPolicySwap()
	IncTrustPolicyError()
	SetTrustPolicyInfo(prefixes int, loadedAt time.Time)
}

// Loader fetches, parses, and swaps trust policies into a Manager.
type Loader struct {
	source  Source
	manager *Manager
	logger  log.Logger
	metrics Metrics
}

type LoaderOptions struct {
	Source  Source
	Manager *Manager
	Logger  log.Logger
	Metrics Metrics
}

func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.Source == nil {
		return nil, xerrors.New("Source is required")
	}
	if opts.Manager == nil {
		return nil, xerrors.New("Manager is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Loader{
		source:  opts.Source,
		manager: opts.Manager,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// Load performs one fetch-parse-swap cycle. It reports whether the active
// policy changed. A fetch or parse failure leaves the current policy in
// place and returns the error.
func (l *Loader) Load(ctx context.Context) (changed bool, err error) {
	data, err := l.source.Fetch(ctx)
	if err != nil {
		if l.metrics != nil {
			l.metrics.IncTrustPolicyError()
		}
		return false, xerrors.Wrapf(err, "fetch %s", l.source.Describe())
	}

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])
	if checksum == l.manager.Checksum() {
		return false, nil
	}

	policy, err := ParsePolicy(data)
	if err != nil {
		if l.metrics != nil {
			l.metrics.IncTrustPolicyError()
		}
		return false, xerrors.Wrapf(err, "parse %s", l.source.Describe())
	}

	l.manager.Set(policy, checksum)
	if l.metrics != nil {
		l.metrics.IncTrustPolicySwap()
		l.metrics.SetTrustPolicyInfo(policy.Len(), l.manager.LoadedAt())
	}

	l.logger.Info(ctx, "trust policy swapped",
		"source", l.source.Describe(),
		"prefixes", policy.Len(),
		"checksum", truncChecksum(checksum),
	)
	return true, nil
}

// truncChecksum returns the first 12 characters of a checksum for logging.
func truncChecksum(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
