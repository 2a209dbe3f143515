// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// SessionMessage is one message of a remote session.
type SessionMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// Session is a conversation as the chat service stores it.
type Session struct {
	SessionID   string           `json:"session_id"`
	SessionName string           `json:"session_name"`
	Expertor    string           `json:"expertor,omitempty"`
	CreatedAt   string           `json:"created_at"`
	UpdatedAt   string           `json:"updated_at"`
	Messages    []SessionMessage `json:"messages"`
}

// SessionList is the session listing response.
type SessionList struct {
	Status   string    `json:"status"`
	Sessions []Session `json:"sessions"`
}

// OK reports whether the listing succeeded.
func (l *SessionList) OK() bool {
	return l != nil && l.Status == "success" && l.Sessions != nil
}

// ListSessions fetches the user's sessions.
func (c *Client) ListSessions(ctx context.Context, token, userEmail string) (*SessionList, error) {
	u := c.baseURL + "/api/chat/sessions?" + url.Values{"user_email": {userEmail}}.Encode()
	req, err := newRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	setAuth(req, token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(c.httpClient, req)
	if err != nil {
		return nil, err
	}
	body, err := readResponse(resp)
	if err != nil {
		return nil, err
	}

	var list SessionList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("failed to parse session list: %w", err)
	}
	return &list, nil
}

// DeleteSession removes a remote session.
func (c *Client) DeleteSession(ctx context.Context, token, topic, userEmail, sessionName string) error {
	q := url.Values{
		"topic":        {topic},
		"user_email":   {userEmail},
		"session_name": {sessionName},
	}
	req, err := newRequest(ctx, http.MethodDelete, c.baseURL+"/api/chat/delete?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	setAuth(req, token)

	resp, err := c.do(c.httpClient, req)
	if err != nil {
		return err
	}
	_, err = readResponse(resp)
	return err
}
