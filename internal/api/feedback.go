// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Feedback is a suggested correction of one reply.
type Feedback struct {
	UserEmail       string
	Topic           string
	SessionName     string
	Question        string
	InitialResponse string
	SuggestResponse string

	// Rating is sent only when set (1-5).
	Rating int
}

// SubmitFeedback posts feedback as a urlencoded form.
func (c *Client) SubmitFeedback(ctx context.Context, token string, fb Feedback) error {
	form := url.Values{
		"user_email":       {fb.UserEmail},
		"topic":            {fb.Topic},
		"session_name":     {fb.SessionName},
		"question":         {fb.Question},
		"initial_response": {fb.InitialResponse},
		"suggest_response": {fb.SuggestResponse},
	}
	if fb.Rating > 0 {
		form.Set("rating", strconv.Itoa(fb.Rating))
	}

	req, err := newRequest(ctx, http.MethodPost, c.baseURL+"/api/chat/feedback", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	setAuth(req, token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.do(c.httpClient, req)
	if err != nil {
		return err
	}
	_, err = readResponse(resp)
	return err
}
