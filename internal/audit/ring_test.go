package audit

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRingWrapsAtCapacity(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 5; i++ {
		r.Append(Entry{Tool: "tool", Outcome: OutcomeAllowed})
	}
	require.Equal(t, 3, r.Len())

	all := r.Read(Filter{}, Page{})
	require.Len(t, all, 3)
	// The three surviving entries should be the last three appended (ids 3,4,5).
	ids := []uint64{all[0].ID, all[1].ID, all[2].ID}
	require.ElementsMatch(t, []uint64{3, 4, 5}, ids)
}

func TestReadFiltersByRoleToolOutcome(t *testing.T) {
	r := NewRing(10)
	r.Append(Entry{RoleID: "admin", Tool: "fs__read", Outcome: OutcomeAllowed})
	r.Append(Entry{RoleID: "guest", Tool: "fs__write", Outcome: OutcomeDenied})
	r.Append(Entry{RoleID: "admin", Tool: "fs__write", Outcome: OutcomeDenied})

	admin := r.Read(Filter{RoleID: "admin"}, Page{})
	require.Len(t, admin, 2)

	denied := r.Read(Filter{Outcome: OutcomeDenied}, Page{})
	require.Len(t, denied, 2)

	specific := r.Read(Filter{RoleID: "admin", Tool: "fs__write"}, Page{})
	require.Len(t, specific, 1)
}

func TestReadOrdersDescendingByTimestampAndPaginates(t *testing.T) {
	r := NewRing(10)
	base := time.Now()
	r.Append(Entry{Tool: "a", Timestamp: base})
	r.Append(Entry{Tool: "b", Timestamp: base.Add(time.Second)})
	r.Append(Entry{Tool: "c", Timestamp: base.Add(2 * time.Second)})

	all := r.Read(Filter{}, Page{})
	require.Equal(t, []string{"c", "b", "a"}, []string{all[0].Tool, all[1].Tool, all[2].Tool})

	page := r.Read(Filter{}, Page{Offset: 1, Limit: 1})
	require.Len(t, page, 1)
	require.Equal(t, "b", page[0].Tool)
}

func TestAppendRedactsSensitiveArgKeys(t *testing.T) {
	r := NewRing(10)
	entry := r.Append(Entry{
		Tool: "auth__login",
		Args: map[string]any{
			"username": "alice",
			"password": "hunter2",
			"nested": map[string]any{
				"api_key": "sk-123",
				"ok":      true,
			},
		},
	})

	require.Equal(t, redactedPlaceholder, entry.Args["password"])
	nested := entry.Args["nested"].(map[string]any)
	require.Equal(t, redactedPlaceholder, nested["api_key"])
	require.Equal(t, true, nested["ok"])
	require.Equal(t, "alice", entry.Args["username"])
}

func TestExportJSONAndCSVAreLiteralSerializations(t *testing.T) {
	r := NewRing(10)
	r.Append(Entry{Tool: "fs__read", Outcome: OutcomeAllowed, Args: map[string]any{"path": "/tmp"}})

	var jsonBuf bytes.Buffer
	require.NoError(t, r.ExportJSON(&jsonBuf, Filter{}))
	require.Contains(t, jsonBuf.String(), "fs__read")

	var csvBuf bytes.Buffer
	require.NoError(t, r.ExportCSV(&csvBuf, Filter{}))
	lines := strings.Split(strings.TrimSpace(csvBuf.String()), "\n")
	require.Len(t, lines, 2) // header + one row
	require.Contains(t, lines[0], "sessionId")
}

func TestNoStoredEntryLeaksSensitiveValue(t *testing.T) {
	r := NewRing(10)
	r.Append(Entry{Args: map[string]any{"Authorization": "Bearer xyz", "token": "abc", "PRIVATE_KEY": "pem"}})

	for _, e := range r.Read(Filter{}, Page{}) {
		for k, v := range e.Args {
			if isSensitiveKey(k) {
				require.Equal(t, redactedPlaceholder, v)
			}
		}
	}
}
