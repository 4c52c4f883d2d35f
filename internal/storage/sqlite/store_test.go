package sqlite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/suite"

	"booru_mirror/internal/config"
	"booru_mirror/internal/domain"
	"booru_mirror/internal/retry"
	"booru_mirror/internal/service"
	"booru_mirror/internal/storage"
)

type StoreSuite struct {
	suite.Suite
	ctx context.Context
	db  *sqlx.DB

	sources     *storage.SourceStore
	posts       *storage.PostStore
	credentials *storage.CredentialStore
	tx          *storage.TransactionManager
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()

	db, err := Open(s.ctx, ":memory:")
	s.Require().NoError(err)
	s.db = db

	s.sources = storage.NewSourceStore(db, storage.SQLite)
	s.posts = storage.NewPostStore(db, storage.SQLite)
	s.credentials = storage.NewCredentialStore(db, storage.SQLite)
	s.tx = storage.NewTransactionManager(db)
}

func (s *StoreSuite) TearDownTest() {
	if s.db != nil {
		s.db.Close()
	}
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) createSource(tag string, hwm int64) *domain.Source {
	src := &domain.Source{
		Name:          tag,
		QueryTag:      tag,
		Type:          domain.SourceTypeTag,
		ProviderID:    "rule34",
		HighWaterMark: hwm,
	}
	s.Require().NoError(s.sources.Create(s.ctx, src))
	s.Require().NotZero(src.ID)
	return src
}

func testPosts(ids ...int64) []domain.Post {
	posts := make([]domain.Post, len(ids))
	for i, id := range ids {
		posts[i] = domain.Post{
			RemoteID:    id,
			FileURL:     fmt.Sprintf("https://img.example/%d.png", id),
			PreviewURL:  fmt.Sprintf("https://img.example/p%d.png", id),
			Tags:        "cat",
			Rating:      domain.RatingSafe,
			PublishedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		}
	}
	return posts
}

func (s *StoreSuite) TestOpen_FileDatabaseMigratesOnce() {
	path := filepath.Join(s.T().TempDir(), "nested", "mirror.db")

	db, err := Open(s.ctx, path)
	s.Require().NoError(err)
	store := storage.NewSourceStore(db, storage.SQLite)
	s.Require().NoError(store.Create(s.ctx, &domain.Source{QueryTag: "fox", Type: domain.SourceTypeTag, ProviderID: "rule34"}))
	s.Require().NoError(db.Close())

	db, err = Open(s.ctx, path)
	s.Require().NoError(err)
	defer db.Close()

	var versions int
	s.Require().NoError(db.GetContext(s.ctx, &versions, "SELECT COUNT(*) FROM schema_migrations"))
	s.Equal(1, versions)

	list, err := storage.NewSourceStore(db, storage.SQLite).List(s.ctx)
	s.Require().NoError(err)
	s.Len(list, 1)
}

func (s *StoreSuite) TestSourceStore_CreateGetList() {
	a := s.createSource("cat", 0)
	b := s.createSource("dog", 12)

	got, err := s.sources.Get(s.ctx, b.ID)
	s.Require().NoError(err)
	s.Equal("dog", got.QueryTag)
	s.Equal(domain.SourceTypeTag, got.Type)
	s.Equal(int64(12), got.HighWaterMark)
	s.Nil(got.LastCheckedAt)

	list, err := s.sources.ListTracked(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(list, 2)
	s.Equal(a.ID, list[0].ID)
	s.Equal(b.ID, list[1].ID)
}

func (s *StoreSuite) TestSourceStore_DuplicateSourceRejected() {
	s.createSource("cat", 0)

	err := s.sources.Create(s.ctx, &domain.Source{QueryTag: "cat", Type: domain.SourceTypeTag, ProviderID: "rule34"})
	s.Error(err)
}

func (s *StoreSuite) TestSourceStore_GetUnknown() {
	_, err := s.sources.Get(s.ctx, 404)
	s.ErrorIs(err, domain.ErrSourceNotFound)
}

func (s *StoreSuite) TestUpdateProgress_Monotonic() {
	src := s.createSource("cat", 0)

	s.Require().NoError(s.sources.UpdateProgress(s.ctx, src.ID, 100, 3))
	s.Require().NoError(s.sources.UpdateProgress(s.ctx, src.ID, 50, 0))

	got, err := s.sources.Get(s.ctx, src.ID)
	s.Require().NoError(err)
	s.Equal(int64(100), got.HighWaterMark)
	s.Equal(int64(3), got.NewResultsCount)
	s.Require().NotNil(got.LastCheckedAt)
	s.WithinDuration(time.Now(), *got.LastCheckedAt, time.Minute)
}

func (s *StoreSuite) TestUpdateProgress_ConcurrentCandidatesConverge() {
	src := s.createSource("cat", 0)

	var wg sync.WaitGroup
	for _, candidate := range []int64{50, 100, 50, 100, 75} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.NoError(s.sources.UpdateProgress(s.ctx, src.ID, candidate, 1))
		}()
	}
	wg.Wait()

	got, err := s.sources.Get(s.ctx, src.ID)
	s.Require().NoError(err)
	s.Equal(int64(100), got.HighWaterMark)
	s.Equal(int64(5), got.NewResultsCount)
}

func (s *StoreSuite) TestUpdateProgress_UnknownSource() {
	err := s.sources.UpdateProgress(s.ctx, 404, 10, 1)
	s.ErrorIs(err, domain.ErrSourceNotFound)
}

func (s *StoreSuite) TestUpsert_Idempotent() {
	src := s.createSource("cat", 0)

	n, err := s.posts.Upsert(s.ctx, src.ID, testPosts(3, 2, 1))
	s.Require().NoError(err)
	s.Equal(3, n)

	n, err = s.posts.Upsert(s.ctx, src.ID, testPosts(3, 2, 1))
	s.Require().NoError(err)
	s.Equal(0, n)

	n, err = s.posts.Upsert(s.ctx, src.ID, testPosts(4, 3))
	s.Require().NoError(err)
	s.Equal(1, n)

	count, err := s.posts.CountBySource(s.ctx, src.ID)
	s.Require().NoError(err)
	s.Equal(4, count)
}

func (s *StoreSuite) TestUpsert_DuplicatesInOneCall() {
	src := s.createSource("cat", 0)

	posts := append(testPosts(7, 6), testPosts(7)...)
	posts[2].Tags = "cat updated"

	n, err := s.posts.Upsert(s.ctx, src.ID, posts)
	s.Require().NoError(err)
	s.Equal(2, n)

	stored, err := s.posts.ListBySource(s.ctx, src.ID, 0)
	s.Require().NoError(err)
	s.Require().Len(stored, 2)
	s.Equal(int64(7), stored[0].RemoteID)
	s.Equal("cat updated", stored[0].Tags)
}

func (s *StoreSuite) TestUpsert_SameRemoteIDAcrossSources() {
	a := s.createSource("cat", 0)
	b := s.createSource("dog", 0)

	_, err := s.posts.Upsert(s.ctx, a.ID, testPosts(1))
	s.Require().NoError(err)
	n, err := s.posts.Upsert(s.ctx, b.ID, testPosts(1))
	s.Require().NoError(err)
	s.Equal(1, n)
}

func (s *StoreSuite) TestUpsert_PreservesLocalFlags() {
	src := s.createSource("cat", 0)

	_, err := s.posts.Upsert(s.ctx, src.ID, testPosts(9))
	s.Require().NoError(err)
	s.Require().NoError(s.posts.SetFlags(s.ctx, src.ID, 9, true, true))

	changed := testPosts(9)
	changed[0].FileURL = "https://img.example/9-v2.png"
	changed[0].Rating = domain.RatingExplicit
	_, err = s.posts.Upsert(s.ctx, src.ID, changed)
	s.Require().NoError(err)

	stored, err := s.posts.ListBySource(s.ctx, src.ID, 1)
	s.Require().NoError(err)
	s.Require().Len(stored, 1)
	s.Equal("https://img.example/9-v2.png", stored[0].FileURL)
	s.Equal(domain.RatingExplicit, stored[0].Rating)
	s.True(stored[0].Viewed)
	s.True(stored[0].Favorited)
}

func (s *StoreSuite) TestSetFlags_UnknownPost() {
	src := s.createSource("cat", 0)
	err := s.posts.SetFlags(s.ctx, src.ID, 12345, true, false)
	s.ErrorIs(err, domain.ErrPostNotFound)
}

func (s *StoreSuite) TestWithTransaction_RollsBack() {
	src := s.createSource("cat", 0)

	err := s.tx.WithTransaction(s.ctx, func(ctx context.Context) error {
		if _, err := s.posts.Upsert(ctx, src.ID, testPosts(1, 2)); err != nil {
			return err
		}
		if err := s.sources.UpdateProgress(ctx, src.ID, 2, 2); err != nil {
			return err
		}
		return errors.New("boom")
	})
	s.EqualError(err, "boom")

	count, err := s.posts.CountBySource(s.ctx, src.ID)
	s.Require().NoError(err)
	s.Zero(count)

	got, err := s.sources.Get(s.ctx, src.ID)
	s.Require().NoError(err)
	s.Zero(got.HighWaterMark)
	s.Nil(got.LastCheckedAt)
}

func (s *StoreSuite) TestCredentialStore() {
	creds, err := s.credentials.Get(s.ctx)
	s.Require().NoError(err)
	s.Nil(creds)

	s.Require().NoError(s.credentials.Save(s.ctx, domain.Credentials{AccountID: "1", APIKey: "a"}))
	s.Require().NoError(s.credentials.Save(s.ctx, domain.Credentials{AccountID: "2", APIKey: "b"}))

	creds, err = s.credentials.Get(s.ctx)
	s.Require().NoError(err)
	s.Equal(&domain.Credentials{AccountID: "2", APIKey: "b"}, creds)
}

// staticProvider serves a fixed newest-first id list, honouring the
// id:>N filter the way the boorus do.
type staticProvider struct {
	mu      sync.Mutex
	ids     []int64
	fetches int
}

func (p *staticProvider) ID() string                 { return "rule34" }
func (p *staticProvider) PageSize() int              { return 2 }
func (p *staticProvider) DefaultAPIEndpoint() string { return "https://api.rule34.xxx/index.php" }
func (p *staticProvider) MinIDFilter(id int64) string {
	return fmt.Sprintf("id:>%d", id)
}
func (p *staticProvider) FormatTag(raw string, _ domain.SourceType) string { return raw }
func (p *staticProvider) CheckAuth(context.Context, domain.Credentials) (bool, error) {
	return true, nil
}

func (p *staticProvider) FetchPosts(_ context.Context, query string, page int, _ domain.Credentials) ([]domain.Post, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetches++

	var minID int64
	_, _ = fmt.Sscanf(query, "cat id:>%d", &minID)

	var matching []int64
	for _, id := range p.ids {
		if id > minID {
			matching = append(matching, id)
		}
	}
	start := page * p.PageSize()
	if start >= len(matching) {
		return []domain.Post{}, nil
	}
	end := min(start+p.PageSize(), len(matching))
	return testPosts(matching[start:end]...), nil
}

func (s *StoreSuite) TestWorker_SecondPassIsNoop() {
	src := s.createSource("cat", 0)
	provider := &staticProvider{ids: []int64{15, 14, 13, 12, 11}}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	worker := service.NewWorker(
		service.NewRegistry(provider),
		s.posts, s.sources, s.tx,
		retry.NewPolicy(config.RetryConfig{MaxRetries: 0}, logger),
		0, logger,
	)
	creds := domain.Credentials{AccountID: "1", APIKey: "k"}

	stats, err := worker.SyncSource(s.ctx, *src, creds, 0)
	s.Require().NoError(err)
	s.Equal(5, stats.Inserted)

	stored, err := s.sources.Get(s.ctx, src.ID)
	s.Require().NoError(err)
	s.Equal(int64(15), stored.HighWaterMark)
	s.Equal(int64(5), stored.NewResultsCount)
	firstCheck := *stored.LastCheckedAt

	stats, err = worker.SyncSource(s.ctx, *stored, creds, 0)
	s.Require().NoError(err)
	s.Equal(0, stats.Inserted)

	again, err := s.sources.Get(s.ctx, src.ID)
	s.Require().NoError(err)
	s.Equal(int64(15), again.HighWaterMark)
	s.Equal(int64(5), again.NewResultsCount)
	s.False(again.LastCheckedAt.Before(firstCheck))

	count, err := s.posts.CountBySource(s.ctx, src.ID)
	s.Require().NoError(err)
	s.Equal(5, count)

	// Repair pass re-reads from the top without lowering the mark.
	repair := *again
	repair.HighWaterMark = 0
	stats, err = worker.SyncSource(s.ctx, repair, creds, 3)
	s.Require().NoError(err)
	s.Equal(0, stats.Inserted)

	final, err := s.sources.Get(s.ctx, src.ID)
	s.Require().NoError(err)
	s.Equal(int64(15), final.HighWaterMark)
	s.Equal(int64(5), final.NewResultsCount)
}
