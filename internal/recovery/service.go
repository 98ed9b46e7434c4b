package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"socialmesh/go-node/internal/identity"
	"socialmesh/go-node/internal/platform/errs"
	"socialmesh/go-node/internal/recovery/shamir"
	"socialmesh/go-node/internal/storage"
	"socialmesh/go-node/pkg/models"
)

const (
	DefaultThreshold      = 3
	DefaultShares         = 5
	DefaultApprovalQuorum = 3

	recoveredPrefix = "Recovered_"
)

var (
	ErrReconstructionFailed = errors.New("failed to reconstruct secret: invalid shares or insufficient threshold")
	ErrSplitFailed          = errors.New("failed to generate shares")
	ErrRequestNotFound      = errors.New("recovery request not found")
	ErrPeerRequired         = errors.New("old and new peer ids are required")
)

// Keyring is the local identity holder; *identity.Manager implements it.
type Keyring interface {
	Keypair() (identity.Keypair, bool)
	Install(kp identity.Keypair) error
}

type IdentityStore interface {
	GetIdentity(ctx context.Context, peerID string) (models.Identity, error)
	UpsertIdentity(ctx context.Context, id models.Identity) error
}

type RequestStore interface {
	CreateRecoveryRequest(ctx context.Context, oldPeerID, newPeerID string, at time.Time) (models.RecoveryRequest, error)
	GetRecoveryRequest(ctx context.Context, id int64) (models.RecoveryRequest, error)
	ApproveRecovery(ctx context.Context, requestID int64, guardianID string, threshold int, at time.Time) (int, string, error)
}

type Config struct {
	ApprovalQuorum int  `yaml:"approvalQuorum"`
	Verified       bool `yaml:"verified"`
}

type Deps struct {
	Keys       Keyring
	Identities IdentityStore
	Guardians  GuardianStore
	Requests   RequestStore
	Logger     *slog.Logger
}

type Service struct {
	cfg        Config
	keys       Keyring
	identities IdentityStore
	guardians  GuardianStore
	requests   RequestStore
	logger     *slog.Logger
	now        func() time.Time
}

func NewService(cfg Config, deps Deps) *Service {
	if cfg.ApprovalQuorum <= 0 {
		cfg.ApprovalQuorum = DefaultApprovalQuorum
	}
	s := &Service{
		cfg:        cfg,
		keys:       deps.Keys,
		identities: deps.Identities,
		guardians:  deps.Guardians,
		requests:   deps.Requests,
		logger:     deps.Logger,
		now:        time.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// SetupResult holds the shares of the local secret. Checksum is set only when
// verified recovery is enabled.
type SetupResult struct {
	Shares       []string
	Checksum     string
	Threshold    int
	Instructions string
}

// Setup splits the local identity secret into shares for guardians.
func (s *Service) Setup(ctx context.Context, threshold, shares int) (SetupResult, error) {
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	if shares == 0 {
		shares = DefaultShares
	}
	kp, ok := s.keys.Keypair()
	if !ok {
		return SetupResult{}, errs.Wrap(errs.CategoryIdentity, identity.ErrNoIdentity)
	}
	res := SetupResult{
		Threshold:    threshold,
		Instructions: fmt.Sprintf("Distribute these %d shards to trusted guardians. You need %d to recover.", shares, threshold),
	}
	if s.cfg.Verified {
		parts, sum, err := shamir.SplitVerified(kp.SecretHex(), threshold, shares)
		if err != nil {
			return SetupResult{}, errs.Wrap(errs.CategoryAPI, errors.Join(ErrSplitFailed, err))
		}
		res.Shares, res.Checksum = parts, sum
	} else {
		res.Shares = shamir.Split(kp.SecretHex(), threshold, shares)
		if len(res.Shares) == 0 {
			return SetupResult{}, errs.Wrap(errs.CategoryAPI, ErrSplitFailed)
		}
	}
	s.logger.Info("recovery shares generated",
		"component", "recovery",
		"operation", "setup",
		"did", kp.DID,
		"threshold", threshold,
		"count", shares,
	)
	return res, nil
}

type RestoreResult struct {
	Identity   models.Identity
	Registered bool
	Message    string
}

// Restore rebuilds the identity from shares and installs it as the local
// key. checksum is required when verified recovery is enabled and ignored
// otherwise.
func (s *Service) Restore(ctx context.Context, shares []string, checksum string) (RestoreResult, error) {
	var secret string
	if s.cfg.Verified {
		var err error
		secret, err = shamir.CombineVerified(shares, checksum)
		if err != nil {
			return RestoreResult{}, errs.Wrap(errs.CategoryIdentity, errors.Join(ErrReconstructionFailed, err))
		}
	} else {
		secret = shamir.Combine(shares)
	}
	if secret == "" {
		return RestoreResult{}, errs.Wrap(errs.CategoryIdentity, ErrReconstructionFailed)
	}
	kp, err := identity.KeypairFromSecret(secret)
	if err != nil {
		return RestoreResult{}, errs.Wrap(errs.CategoryIdentity, errors.Join(ErrReconstructionFailed, err))
	}

	peerID := kp.LegacyPeerID()
	res := RestoreResult{Message: "Identity recovered. Welcome back."}
	record, err := s.identities.GetIdentity(ctx, peerID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		suffix := kp.PublicMultibase
		if len(suffix) > 6 {
			suffix = suffix[len(suffix)-6:]
		}
		username := recoveredPrefix + suffix
		record = models.Identity{
			DID:      kp.DID,
			PeerID:   peerID,
			Username: username,
			Handle:   "@" + strings.ToLower(username),
		}
		res.Registered = true
		res.Message = "Identity recovered and registered."
	case err != nil:
		return RestoreResult{}, fmt.Errorf("load identity: %w", err)
	default:
		record.DID = kp.DID
	}
	if err := s.identities.UpsertIdentity(ctx, record); err != nil {
		return RestoreResult{}, fmt.Errorf("store identity: %w", err)
	}
	if err := s.keys.Install(kp); err != nil {
		return RestoreResult{}, fmt.Errorf("install key: %w", err)
	}
	res.Identity = record
	s.logger.Info("identity restored",
		"component", "recovery",
		"operation", "restore",
		"did", kp.DID,
		"registered", res.Registered,
	)
	return res, nil
}

// RequestRecovery opens an approval vote to move oldPeerID to newPeerID.
func (s *Service) RequestRecovery(ctx context.Context, oldPeerID, newPeerID string) (models.RecoveryRequest, error) {
	oldPeerID, newPeerID = strings.TrimSpace(oldPeerID), strings.TrimSpace(newPeerID)
	if oldPeerID == "" || newPeerID == "" {
		return models.RecoveryRequest{}, errs.Wrap(errs.CategoryAPI, ErrPeerRequired)
	}
	req, err := s.requests.CreateRecoveryRequest(ctx, oldPeerID, newPeerID, s.now())
	if err != nil {
		return models.RecoveryRequest{}, fmt.Errorf("create recovery request: %w", err)
	}
	return req, nil
}

// Approval is the state of a request after a guardian vote.
type Approval struct {
	Approvals int
	Status    string
}

// Approve records one vote per guardian; repeated votes are not counted twice.
func (s *Service) Approve(ctx context.Context, requestID int64, guardianID string) (Approval, error) {
	guardianID = strings.TrimSpace(guardianID)
	if guardianID == "" {
		return Approval{}, errs.Wrap(errs.CategoryAPI, ErrGuardianRequired)
	}
	count, status, err := s.requests.ApproveRecovery(ctx, requestID, guardianID, s.cfg.ApprovalQuorum, s.now())
	if errors.Is(err, storage.ErrNotFound) {
		return Approval{}, errs.Wrap(errs.CategoryAPI, ErrRequestNotFound)
	}
	if err != nil {
		return Approval{}, fmt.Errorf("approve recovery: %w", err)
	}
	s.logger.Info("recovery vote recorded",
		"component", "recovery",
		"operation", "approve",
		"correlation_id", fmt.Sprint(requestID),
		"guardian_id", guardianID,
		"approvals", count,
		"status", status,
	)
	return Approval{Approvals: count, Status: status}, nil
}

func (s *Service) Request(ctx context.Context, requestID int64) (models.RecoveryRequest, error) {
	req, err := s.requests.GetRecoveryRequest(ctx, requestID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.RecoveryRequest{}, errs.Wrap(errs.CategoryAPI, ErrRequestNotFound)
	}
	return req, err
}
