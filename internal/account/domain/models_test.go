package domain_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tryspeak/reconcile/internal/account/domain"
)

func TestReferralCode(t *testing.T) {
	cases := []struct {
		name     string
		business string
		phone    string
		want     string
	}{
		{"simple", "Joes Plumbing", "07700900417", "JOES-PLUMBING-0417"},
		{"apostrophe stripped", "Dave's Bakery", "07700900528", "DAVES-BAKERY-0528"},
		{"long name truncated", "The Very Long Business Name Limited", "07700900639", "THE-VERY-LONG-BUSINE-0639"},
		{"short phone kept whole", "Annes", "417", "ANNES-417"},
		{"empty name", "", "07700900417", "0417"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, domain.ReferralCode(tc.business, tc.phone))
		})
	}
}
