package queryhash

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		name  string
		query string
		want  string
	}{
		{"already normalized", "select * from users", "select * from users"},
		{"mixed case", "SELECT * FROM Users", "select * from users"},
		{"extra whitespace", "select  *  from   users", "select * from users"},
		{"leading and trailing whitespace", "  select * from users  ", "select * from users"},
		{"newlines and tabs", "select *\nfrom\tusers", "select * from users"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Normalize(tc.query); got != tc.want {
				t.Errorf("Normalize(%q) = %q, want %q", tc.query, got, tc.want)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	queries := []string{
		"select * from users",
		"  SELECT  *  FROM   Users  ",
		"",
	}
	for _, q := range queries {
		once := Normalize(q)
		twice := Normalize(once)
		if once != twice {
			t.Errorf("Normalize not idempotent for %q: once=%q twice=%q", q, once, twice)
		}
	}
}

func TestHashDeterminism(t *testing.T) {
	h1 := Hash("select * from users")
	h2 := Hash("select * from users")
	if h1 != h2 {
		t.Errorf("Hash not deterministic: %q != %q", h1, h2)
	}
}

func TestHashEqualForEquivalentQueries(t *testing.T) {
	a := Hash("select * from users")
	b := Hash("select  *  from USERS")
	if a != b {
		t.Errorf("expected equal hashes for normalized-equivalent queries, got %q and %q", a, b)
	}
}

func TestHashDiffersForDifferentQueries(t *testing.T) {
	a := Hash("select * from users")
	b := Hash("select * from orders")
	if a == b {
		t.Errorf("expected different hashes for different queries, both %q", a)
	}
}
