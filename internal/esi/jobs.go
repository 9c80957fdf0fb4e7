package esi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"indytrack.org/internal/industry"
	"indytrack.org/internal/obs"
)

var observe = obs.ObserveESI

// Character is the public part of a character record.
type Character struct {
	Name          string `json:"name"`
	CorporationID int64  `json:"corporation_id"`
}

// Corporation is the public part of a corporation record.
type Corporation struct {
	Name   string `json:"name"`
	Ticker string `json:"ticker"`
}

// ItemType is the public part of an inventory type.
type ItemType struct {
	TypeID int64  `json:"type_id"`
	Name   string `json:"name"`
}

// CharacterJobs returns the character's industry jobs, completed ones included.
func (c *Client) CharacterJobs(ctx context.Context, accessToken string, characterID int64) ([]industry.Snapshot, error) {
	var out []industry.Snapshot
	path := fmt.Sprintf("/characters/%d/industry/jobs/", characterID)
	if err := c.get(ctx, "character_jobs", accessToken, path, url.Values{"include_completed": {"true"}}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CorporationJobs returns the corporation's industry jobs. A zero corporation
// id yields an empty result without a remote call.
func (c *Client) CorporationJobs(ctx context.Context, accessToken string, corporationID int64) ([]industry.Snapshot, error) {
	if corporationID == 0 {
		return nil, nil
	}
	var out []industry.Snapshot
	path := fmt.Sprintf("/corporations/%d/industry/jobs/", corporationID)
	if err := c.get(ctx, "corporation_jobs", accessToken, path, url.Values{"include_completed": {"true"}}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Character looks up a character's name and corporation.
func (c *Client) Character(ctx context.Context, accessToken string, characterID int64) (Character, error) {
	var out Character
	err := c.get(ctx, "character", accessToken, fmt.Sprintf("/characters/%d/", characterID), nil, &out)
	return out, err
}

// Corporation looks up a corporation's public record.
func (c *Client) Corporation(ctx context.Context, corporationID int64) (Corporation, error) {
	var out Corporation
	err := c.get(ctx, "corporation", "", fmt.Sprintf("/corporations/%d/", corporationID), nil, &out)
	return out, err
}

// ItemType looks up an inventory type by id.
func (c *Client) ItemType(ctx context.Context, typeID int64) (ItemType, error) {
	var out ItemType
	err := c.get(ctx, "type", "", fmt.Sprintf("/universe/types/%d/", typeID), nil, &out)
	return out, err
}

func (c *Client) get(ctx context.Context, scope, accessToken, path string, query url.Values, dst any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrRemoteUnavailable, scope, err)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		observe(scope, 0, c.now().Sub(start))
		return fmt.Errorf("%w: %s: %w", ErrRemoteUnavailable, scope, err)
	}
	defer resp.Body.Close()
	observe(scope, resp.StatusCode, c.now().Sub(start))

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("%w: %s: status %d", ErrRemoteUnavailable, scope, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: %s: decode: %w", ErrRemoteUnavailable, scope, err)
	}
	return nil
}
