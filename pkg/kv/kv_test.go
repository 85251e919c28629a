package kv

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func openBackends(t *testing.T) map[Backend]Store {
	t.Helper()
	ctx := context.Background()
	stores := make(map[Backend]Store)
	for _, b := range []Backend{BackendSQLite, BackendBolt} {
		s, err := Open(ctx, b, t.TempDir())
		require.NoError(t, err, "open %s", b)
		t.Cleanup(func() { s.Close() })
		stores[b] = s
	}
	return stores
}

func TestStoreContract(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(string(name), func(t *testing.T) {
			ctx := context.Background()

			_, err := s.Get(ctx, "table:entries:e1")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Put(ctx, "table:entries:e1", []byte("one")))
			got, err := s.Get(ctx, "table:entries:e1")
			require.NoError(t, err)
			assert.Equal(t, []byte("one"), got)

			require.NoError(t, s.Put(ctx, "table:entries:e1", []byte("two")))
			got, err = s.Get(ctx, "table:entries:e1")
			require.NoError(t, err)
			assert.Equal(t, []byte("two"), got)

			require.NoError(t, s.Delete(ctx, "table:entries:e1"))
			_, err = s.Get(ctx, "table:entries:e1")
			require.ErrorIs(t, err, ErrNotFound)

			// deleting a missing key is not an error
			require.NoError(t, s.Delete(ctx, "table:entries:missing"))

			require.ErrorIs(t, s.Put(ctx, "", []byte("x")), ErrEmptyKey)
		})
	}
}

func TestListStaysWithinPrefix(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(string(name), func(t *testing.T) {
			ctx := context.Background()
			keys := []string{
				"table:entries:e1",
				"table:entries:e2",
				"table:entries:e3",
				"table:entriesx:e1",
				"table:moods:m1",
				"queue:p0:00000000000000000001",
			}
			for _, k := range keys {
				require.NoError(t, s.Put(ctx, k, []byte(k)))
			}

			page, err := s.List(ctx, "table:entries:", "", 10)
			require.NoError(t, err)
			require.Len(t, page, 3)
			assert.Equal(t, "table:entries:e1", page[0].Key)
			assert.Equal(t, "table:entries:e3", page[2].Key)

			page, err = s.List(ctx, "table:entries:", "table:entries:e1", 1)
			require.NoError(t, err)
			require.Len(t, page, 1)
			assert.Equal(t, "table:entries:e2", page[0].Key)

			page, err = s.List(ctx, "table:entries:", "table:entries:e3", 10)
			require.NoError(t, err)
			assert.Empty(t, page)
		})
	}
}

func TestEachPagesInOrder(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(string(name), func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 25; i++ {
				require.NoError(t, s.Put(ctx, fmt.Sprintf("queue:p1:%020d", i), []byte{byte(i)}))
			}
			var seen []byte
			require.NoError(t, Each(ctx, s, "queue:p1:", 7, func(p Pair) error {
				seen = append(seen, p.Value[0])
				return nil
			}))
			require.Len(t, seen, 25)
			for i, v := range seen {
				assert.Equal(t, byte(i), v)
			}

			n, err := Count(ctx, s, "queue:")
			require.NoError(t, err)
			assert.Equal(t, 25, n)
		})
	}
}

func TestUpdateIsAtomic(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(string(name), func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Put(ctx, "queue:seq", []byte("1")))

			boom := errors.New("boom")
			err := s.Update(ctx, func(tx Tx) error {
				if err := tx.Put("queue:seq", []byte("2")); err != nil {
					return err
				}
				if err := tx.Put("queue:p0:00000000000000000002", []byte("item")); err != nil {
					return err
				}
				return boom
			})
			require.ErrorIs(t, err, boom)

			got, err := s.Get(ctx, "queue:seq")
			require.NoError(t, err)
			assert.Equal(t, []byte("1"), got)
			_, err = s.Get(ctx, "queue:p0:00000000000000000002")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Update(ctx, func(tx Tx) error {
				v, err := tx.Get("queue:seq")
				if err != nil {
					return err
				}
				if err := tx.Delete("queue:seq"); err != nil {
					return err
				}
				return tx.Put("queue:seq2", v)
			}))
			got, err = s.Get(ctx, "queue:seq2")
			require.NoError(t, err)
			assert.Equal(t, []byte("1"), got)
		})
	}
}

func TestConcurrentWritersDisjointKeys(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(string(name), func(t *testing.T) {
			ctx := context.Background()
			var g errgroup.Group
			for w := 0; w < 4; w++ {
				g.Go(func() error {
					for i := 0; i < 20; i++ {
						if err := s.Put(ctx, fmt.Sprintf("table:w%d:%03d", w, i), []byte("v")); err != nil {
							return err
						}
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())
			n, err := Count(ctx, s, "table:")
			require.NoError(t, err)
			assert.Equal(t, 80, n)

			size, err := s.Size(ctx)
			require.NoError(t, err)
			assert.Positive(t, size)
		})
	}
}

func TestSQLiteSchemaVersion(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), SQLiteFileName)
	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)

	v, err := getSchemaVersion(ctx, s.db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v)
	require.NoError(t, s.Close())

	// reopening is idempotent
	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	v, err = getSchemaVersion(ctx, s.db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Backend("redis"), t.TempDir())
	require.ErrorIs(t, err, ErrUnknownBackend)
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, "table:entries;", PrefixEnd("table:entries:"))
	assert.Equal(t, "b", PrefixEnd("a\xff"))
	assert.Equal(t, "", PrefixEnd("\xff\xff"))
	assert.Equal(t, "", PrefixEnd(""))
}
