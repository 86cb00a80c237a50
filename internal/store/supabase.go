package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/supabase-community/supabase-go"
)

const DefaultSupabaseTable = "call_ends"

// SupabaseRecorder stores call ends in a Supabase table with the columns
// operation_id, room_id, reason and ended_at. The Supabase client takes no
// context, so cancellation is not propagated.
type SupabaseRecorder struct {
	client *supabase.Client
	table  string
	now    func() time.Time
}

func NewSupabaseRecorder(url, serviceRoleKey, table string) (*SupabaseRecorder, error) {
	if url == "" || serviceRoleKey == "" {
		return nil, errors.New("missing Supabase configuration: SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY required")
	}
	if table == "" {
		table = DefaultSupabaseTable
	}

	client, err := supabase.NewClient(url, serviceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}
	return &SupabaseRecorder{client: client, table: table, now: time.Now}, nil
}

func (r *SupabaseRecorder) RecordCallEnd(_ context.Context, roomID, reason string) (string, error) {
	if err := validateCallEnd(roomID, reason); err != nil {
		return "", err
	}

	record := CallEnd{
		OperationID: uuid.NewString(),
		RoomID:      roomID,
		Reason:      reason,
		EndedAt:     r.now().UTC(),
	}
	if _, _, err := r.client.From(r.table).Insert(record, false, "", "minimal", "").Execute(); err != nil {
		return "", fmt.Errorf("failed to insert call end into Supabase: %w", err)
	}
	return record.OperationID, nil
}

func (r *SupabaseRecorder) CallEnds(_ context.Context, roomID string) ([]CallEnd, error) {
	body, _, err := r.client.From(r.table).
		Select("*", "", false).
		Eq("room_id", roomID).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("failed to list call ends from Supabase: %w", err)
	}

	var records []CallEnd
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("failed to decode Supabase call ends: %w", err)
	}
	return records, nil
}

func (r *SupabaseRecorder) Close() error {
	return nil
}
