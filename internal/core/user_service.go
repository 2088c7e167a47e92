package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gwi.com/ragchat/internal/auth"
	"gwi.com/ragchat/internal/config"
	"gwi.com/ragchat/internal/logger"
	"gwi.com/ragchat/internal/store"
)

var ErrMissingIdentity = errors.New("token carries no subject or name")

// GroupClassifier assigns a display name to a group; "" means no group.
type GroupClassifier interface {
	Classify(name string) string
}

// RosterClassifier matches names against a group roster. A roster entry
// matches when it appears in the name, ignoring case. Groups are tried in
// name order so the result is deterministic.
type RosterClassifier struct {
	groups  []string
	members map[string][]string
}

func NewRosterClassifier(r *config.Roster) *RosterClassifier {
	c := &RosterClassifier{members: map[string][]string{}}
	if r == nil {
		return c
	}
	for g, names := range r.Groups {
		c.groups = append(c.groups, g)
		for _, n := range names {
			if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
				c.members[g] = append(c.members[g], n)
			}
		}
	}
	sort.Strings(c.groups)
	return c
}

func (c *RosterClassifier) Classify(name string) string {
	lower := strings.ToLower(name)
	for _, g := range c.groups {
		for _, m := range c.members[g] {
			if strings.Contains(lower, m) {
				return g
			}
		}
	}
	return ""
}

type UserStore interface {
	GetUser(ctx context.Context, userID string) (*store.User, error)
	CreateUser(ctx context.Context, userID, name string) (bool, error)
	SetUserGroup(ctx context.Context, userID, group string) (bool, error)
}

type UserService struct {
	users      UserStore
	classifier GroupClassifier
	log        *logger.Logger
}

func NewUserService(users UserStore, classifier GroupClassifier, log *logger.Logger) *UserService {
	if log == nil {
		log = logger.Nop()
	}
	return &UserService{users: users, classifier: classifier, log: log}
}

// Login records the caller on first sight and assigns a group once, the first
// time one can be determined.
func (s *UserService) Login(ctx context.Context, claims *auth.Claims) (*store.User, bool, error) {
	if claims == nil || claims.Subject == "" || claims.Name == "" {
		return nil, false, ErrMissingIdentity
	}
	created, err := s.users.CreateUser(ctx, claims.Subject, claims.Name)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create user: %w", err)
	}
	user, err := s.users.GetUser(ctx, claims.Subject)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load user: %w", err)
	}

	if user.GroupName == nil && s.classifier != nil {
		if g := s.classifier.Classify(user.Name); g != "" {
			if _, err := s.users.SetUserGroup(ctx, user.UserID, g); err != nil {
				return nil, false, err
			}
			if user, err = s.users.GetUser(ctx, claims.Subject); err != nil {
				return nil, false, fmt.Errorf("failed to reload user: %w", err)
			}
			s.log.Info("user group assigned", "user_id", user.UserID, "group", g)
		}
	}
	if created {
		s.log.Info("new user created", "user_id", user.UserID)
	}
	// the display name comes from the token, the stored row keeps the first one
	user.Name = claims.Name
	return user, created, nil
}

type FeedbackStore interface {
	SaveFeedback(ctx context.Context, fb *store.Feedback) error
}

type FeedbackService struct {
	feedback FeedbackStore
	log      *logger.Logger
}

func NewFeedbackService(fs FeedbackStore, log *logger.Logger) *FeedbackService {
	if log == nil {
		log = logger.Nop()
	}
	return &FeedbackService{feedback: fs, log: log}
}

func (s *FeedbackService) Submit(ctx context.Context, userID, messageID string, rating int, comment *string) (*store.Feedback, error) {
	fb := &store.Feedback{MessageID: messageID, UserID: userID, Rating: rating, Comment: comment}
	if err := s.feedback.SaveFeedback(ctx, fb); err != nil {
		return nil, err
	}
	s.log.Info("feedback received", "message_id", messageID, "rating", rating)
	return fb, nil
}
