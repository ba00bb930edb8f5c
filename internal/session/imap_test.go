package session

import (
	"strings"
	"testing"

	"github.com/emersion/go-imap/v2"
)

func TestParseSearchCriteria(t *testing.T) {
	cases := []struct {
		filter      string
		wantFlag    []imap.Flag
		wantNotFlag []imap.Flag
	}{
		{"UNSEEN", nil, []imap.Flag{imap.FlagSeen}},
		{"unseen", nil, []imap.Flag{imap.FlagSeen}},
		{"ALL", nil, nil},
		{"", nil, nil},
		{"FLAGGED UNDELETED", []imap.Flag{imap.FlagFlagged}, []imap.Flag{imap.FlagDeleted}},
		{"SEEN ANSWERED", []imap.Flag{imap.FlagSeen, imap.FlagAnswered}, nil},
	}

	for _, tc := range cases {
		t.Run(tc.filter, func(t *testing.T) {
			criteria, err := ParseSearchCriteria(tc.filter)
			if err != nil {
				t.Fatalf("ParseSearchCriteria(%q): %v", tc.filter, err)
			}
			if !flagsEqual(criteria.Flag, tc.wantFlag) {
				t.Errorf("Flag = %v, want %v", criteria.Flag, tc.wantFlag)
			}
			if !flagsEqual(criteria.NotFlag, tc.wantNotFlag) {
				t.Errorf("NotFlag = %v, want %v", criteria.NotFlag, tc.wantNotFlag)
			}
		})
	}
}

func flagsEqual(got, want []imap.Flag) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestParseSearchCriteriaRejectsUnknown(t *testing.T) {
	_, err := ParseSearchCriteria("SUBJECT hello")
	if err == nil {
		t.Fatal("ParseSearchCriteria succeeded, want error")
	}
	if !strings.Contains(err.Error(), "SUBJECT") {
		t.Errorf("error %q does not name the offending keyword", err)
	}
}
