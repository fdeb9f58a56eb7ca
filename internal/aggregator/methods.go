package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
)

var (
	// ErrMissingUserID is returned when a user-scoped call has no user id
	ErrMissingUserID = errors.New("userId is required")
	// ErrMissingUserSecret is returned when a user-scoped call has no secret
	ErrMissingUserSecret = errors.New("userSecret is required")
	// ErrMissingAccountID is returned when a holdings call has no account id
	ErrMissingAccountID = errors.New("accountId is required")
)

// APIStatus checks the aggregator's availability
func (c *Client) APIStatus(ctx context.Context) (*APIStatus, error) {
	var out APIStatus
	err := c.do(ctx, request{operation: "api_status", method: http.MethodGet, path: "/"}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListUsers returns the ids of every registered user
func (c *Client) ListUsers(ctx context.Context) ([]string, error) {
	var out []string
	err := c.do(ctx, request{operation: "list_users", method: http.MethodGet, path: "/snapTrade/listUsers"}, &out)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

// RegisterUser creates a user and returns its secret
func (c *Client) RegisterUser(ctx context.Context, userID string) (*RegisteredUser, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	var out RegisteredUser
	err := c.do(ctx, request{
		operation: "register_user",
		method:    http.MethodPost,
		path:      "/snapTrade/registerUser",
		body:      map[string]string{"userId": userID},
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.UserID == "" {
		out.UserID = userID
	}
	return &out, nil
}

// DeleteUser removes a user and all of its connections
func (c *Client) DeleteUser(ctx context.Context, userID string) (*DeletedUser, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	var out DeletedUser
	err := c.do(ctx, request{
		operation: "delete_user",
		method:    http.MethodDelete,
		path:      "/snapTrade/deleteUser",
		query:     url.Values{"userId": {userID}},
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Login creates a connection portal redirect for a user
func (c *Client) Login(ctx context.Context, creds Credentials, opts LoginOptions) (*LoginRedirect, error) {
	if err := creds.validate(); err != nil {
		return nil, err
	}
	var out LoginRedirect
	err := c.do(ctx, request{
		operation: "login",
		method:    http.MethodPost,
		path:      "/snapTrade/login",
		query:     creds.query(),
		body:      opts,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListAccounts returns the user's connected accounts as delivered upstream
func (c *Client) ListAccounts(ctx context.Context, creds Credentials) (json.RawMessage, error) {
	if err := creds.validate(); err != nil {
		return nil, err
	}
	var out json.RawMessage
	err := c.do(ctx, request{
		operation: "list_accounts",
		method:    http.MethodGet,
		path:      "/accounts",
		query:     creds.query(),
	}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetHoldings returns one account's holdings as delivered upstream
func (c *Client) GetHoldings(ctx context.Context, creds Credentials, accountID string) (json.RawMessage, error) {
	if err := creds.validate(); err != nil {
		return nil, err
	}
	if accountID == "" {
		return nil, ErrMissingAccountID
	}
	var out json.RawMessage
	err := c.do(ctx, request{
		operation: "get_holdings",
		method:    http.MethodGet,
		path:      "/accounts/" + url.PathEscape(accountID) + "/holdings",
		query:     creds.query(),
	}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c Credentials) validate() error {
	if c.UserID == "" {
		return ErrMissingUserID
	}
	if c.UserSecret == "" {
		return ErrMissingUserSecret
	}
	return nil
}

func (c Credentials) query() url.Values {
	return url.Values{"userId": {c.UserID}, "userSecret": {c.UserSecret}}
}
