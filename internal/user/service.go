package user

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	tokenIssuer = "go-chat-app"
	tokenTTL    = 24 * time.Hour

	maxAvatarLen = 2048
)

// Store is what the service needs from persistence. *Repository implements it.
type Store interface {
	CreateUser(ctx context.Context, user *User) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUser(ctx context.Context, id int64) (*User, error)
	UpdateProfile(ctx context.Context, id int64, username, avatar string) (*User, error)
	SearchUsers(ctx context.Context, query string, excludeID int64) ([]User, error)
	ListUsers(ctx context.Context, excludeID int64) ([]User, error)
}

// PresenceReader answers "is this user reachable now".
type PresenceReader interface {
	IsOnline(userID int64) bool
}

// LastSeenReader loads last-seen timestamps for a batch of users.
type LastSeenReader interface {
	LastSeen(ctx context.Context, userIDs []int64) (map[int64]time.Time, error)
}

type Service struct {
	repo      Store
	jwtSecret string
	presence  PresenceReader
	lastSeen  LastSeenReader
	now       func() time.Time
	log       *zap.Logger
}

type MyJWTClaims struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func NewService(repo Store, secret string, presence PresenceReader, lastSeen LastSeenReader, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		repo:      repo,
		jwtSecret: secret,
		presence:  presence,
		lastSeen:  lastSeen,
		now:       time.Now,
		log:       log,
	}
}

func validUsername(raw string) (string, error) {
	username := strings.TrimSpace(raw)
	if len(username) < 3 || len(username) > 50 {
		return "", fmt.Errorf("%w: username must be 3-50 characters", ErrInvalidInput)
	}
	return username, nil
}

func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*User, error) {
	username, err := validUsername(req.Username)
	if err != nil {
		return nil, err
	}
	if len(req.Password) < 6 {
		return nil, fmt.Errorf("%w: password must be at least 6 characters", ErrInvalidInput)
	}

	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	u := &User{
		Username: username,
		Password: string(hashedPwd),
	}
	if _, err := s.repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	s.log.Info("user registered", zap.Int64("user_id", u.ID), zap.String("username", u.Username))
	return u, nil
}

func (s *Service) Login(ctx context.Context, req *RegisterRequest) (*LoginResponse, error) {
	u, err := s.repo.GetUserByUsername(ctx, strings.TrimSpace(req.Username))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	ss, err := s.IssueToken(u.ID, u.Username)
	if err != nil {
		return nil, err
	}

	return &LoginResponse{
		AccessToken: ss,
		ID:          u.ID,
		Username:    u.Username,
	}, nil
}

func (s *Service) IssueToken(userID int64, username string) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, MyJWTClaims{
		ID:       userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	})
	return token.SignedString([]byte(s.jwtSecret))
}

func (s *Service) ValidateToken(tokenString string) (int64, string, error) {
	claims := &MyJWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return 0, "", err
	}
	if !token.Valid || claims.ID == 0 {
		return 0, "", errors.New("invalid token")
	}

	return claims.ID, claims.Username, nil
}

// GetUser returns one user with presence.
func (s *Service) GetUser(ctx context.Context, id int64) (*Status, error) {
	u, err := s.repo.GetUser(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("user %d: %w", id, err)
	}
	st := s.withStatus(ctx, []User{*u})[0]
	return &st, nil
}

// UpdateProfile applies the set fields of req to userID's profile. An empty
// avatar clears it.
func (s *Service) UpdateProfile(ctx context.Context, userID int64, req *UpdateProfileRequest) (*User, error) {
	if req.Username == nil && req.Avatar == nil {
		return nil, fmt.Errorf("%w: nothing to update", ErrInvalidInput)
	}
	u, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("user %d: %w", userID, err)
	}

	username, avatar := u.Username, u.Avatar
	if req.Username != nil {
		if username, err = validUsername(*req.Username); err != nil {
			return nil, err
		}
	}
	if req.Avatar != nil {
		if avatar, err = validAvatar(*req.Avatar); err != nil {
			return nil, err
		}
	}

	updated, err := s.repo.UpdateProfile(ctx, userID, username, avatar)
	if err != nil {
		return nil, err
	}
	s.log.Info("profile updated", zap.Int64("user_id", userID), zap.String("username", updated.Username))
	return updated, nil
}

func validAvatar(raw string) (string, error) {
	avatar := strings.TrimSpace(raw)
	if avatar == "" {
		return "", nil
	}
	if len(avatar) > maxAvatarLen {
		return "", fmt.Errorf("%w: avatar url too long", ErrInvalidInput)
	}
	u, err := url.Parse(avatar)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: avatar must be an http(s) url", ErrInvalidInput)
	}
	return avatar, nil
}

func (s *Service) SearchUsers(ctx context.Context, query string, viewerID int64) ([]Status, error) {
	users, err := s.repo.SearchUsers(ctx, strings.TrimSpace(query), viewerID)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	return s.withStatus(ctx, users), nil
}

// ListUsers returns every other user with their live presence and, when
// known, when they were last seen.
func (s *Service) ListUsers(ctx context.Context, viewerID int64) ([]Status, error) {
	users, err := s.repo.ListUsers(ctx, viewerID)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return s.withStatus(ctx, users), nil
}

// withStatus decorates users with presence, online users first. A
// last-seen lookup failure only costs the timestamps.
func (s *Service) withStatus(ctx context.Context, users []User) []Status {
	out := make([]Status, len(users))
	ids := make([]int64, len(users))
	for i, u := range users {
		out[i] = Status{ID: u.ID, Username: u.Username, Avatar: u.Avatar}
		if s.presence != nil {
			out[i].IsOnline = s.presence.IsOnline(u.ID)
		}
		ids[i] = u.ID
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsOnline != out[j].IsOnline {
			return out[i].IsOnline
		}
		return out[i].Username < out[j].Username
	})
	if s.lastSeen == nil || len(ids) == 0 {
		return out
	}
	seen, err := s.lastSeen.LastSeen(ctx, ids)
	if err != nil {
		s.log.Warn("load last seen", zap.Error(err))
		return out
	}
	for i := range out {
		if at, ok := seen[out[i].ID]; ok {
			out[i].LastSeen = &at
		}
	}
	return out
}
