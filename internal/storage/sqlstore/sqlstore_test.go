package sqlstore

import (
	"context"
	stdErrors "errors"
	"testing"
	"testing/fstest"
	"time"

	xerrors "ToolMind/internal/errors"
	"ToolMind/internal/llm"
	"ToolMind/internal/plan"
	"ToolMind/internal/session"
	"ToolMind/internal/task"
	"ToolMind/internal/tool"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), Config{Driver: DriverSQLite, DSN: ":memory:", AutoMigrate: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle", DSN: "x"})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	_, err = Open(context.Background(), Config{Driver: DriverMySQL})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for empty dsn, got %v", err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	applied, err := db.AppliedVersions(ctx)
	if err != nil {
		t.Fatalf("applied versions: %v", err)
	}
	if _, ok := applied["0002"]; !ok || len(applied) != 2 {
		t.Fatalf("unexpected applied versions %v", applied)
	}
}

func TestLoadMigrationFilesOrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_more.sql":  {Data: []byte("CREATE TABLE b (id INT);\n\n")},
		"0001_init.sql":  {Data: []byte("CREATE TABLE a (id INT); CREATE TABLE c (id INT)")},
		"0003_empty.sql": {Data: []byte("  ;  ")},
		"README.md":      {Data: []byte("ignored")},
	}
	files, err := loadMigrationFiles(fsys)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(files) != 2 || files[0].version != "0001" || files[1].version != "0002" {
		t.Fatalf("unexpected files %+v", files)
	}
	if len(files[0].statements) != 2 {
		t.Fatalf("expected two statements, got %v", files[0].statements)
	}
}

func TestSessionRepository(t *testing.T) {
	repo := NewSessionRepository(openTestDB(t))
	ctx := context.Background()

	record := &session.Record{
		ID:     "s1",
		Title:  "周末出行",
		UserID: "alice",
		Agent:  "ToolMindAgent",
		Contexts: []session.Context{{
			Query:     "周末去哪玩",
			Task:      []plan.Step{{StepID: "A", Title: "查天气", Workflow: "search", Input: []string{"q"}, Result: "晴"}},
			TaskGraph: []plan.Edge{{Start: plan.UserQueryTitle, End: "查天气"}},
			Answer:    "去公园",
		}},
		CreatedAt: 100,
	}
	if err := repo.Create(ctx, record); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.Create(ctx, record); !stdErrors.Is(err, session.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	got, err := repo.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "周末出行" || len(got.Contexts) != 1 || got.Contexts[0].Task[0].Result != "晴" {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.Contexts[0].TaskGraph[0].Start != plan.UserQueryTitle {
		t.Fatalf("graph not restored: %+v", got.Contexts[0].TaskGraph)
	}

	if _, err := repo.Get(ctx, "missing"); !stdErrors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	_ = repo.Create(ctx, &session.Record{ID: "s2", UserID: "alice", CreatedAt: 200})
	_ = repo.Create(ctx, &session.Record{ID: "s3", UserID: "bob", CreatedAt: 300})
	list, err := repo.ListByUser(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "s2" || list[1].ID != "s1" {
		t.Fatalf("unexpected list %+v", list)
	}
	if _, err := session.GetOwned(ctx, repo, "s3", "alice"); xerrors.CodeOf(err) != xerrors.CodePermissionDenied {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestModelConfigRepository(t *testing.T) {
	repo := NewModelConfigRepository(openTestDB(t))
	ctx := context.Background()

	cfg, err := repo.ModelConfigFor(ctx, "alice", llm.RoleReasoning)
	if err != nil || cfg != nil {
		t.Fatalf("missing config should be nil, nil; got %+v %v", cfg, err)
	}

	want := llm.ModelConfig{Model: "deepseek-r1", BaseURL: "https://api.example.com/v1", APIKey: "k1", Timeout: 30 * time.Second}
	if err := repo.Upsert(ctx, "alice", llm.RoleReasoning, want); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	want.Model = "deepseek-r1-0528"
	if err := repo.Upsert(ctx, "alice", llm.RoleReasoning, want); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	cfg, err = repo.ModelConfigFor(ctx, "alice", llm.RoleReasoning)
	if err != nil || cfg == nil || *cfg != want {
		t.Fatalf("unexpected config %+v err=%v", cfg, err)
	}

	if err := repo.Upsert(ctx, "alice", llm.Role("planner"), want); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("unknown role should be rejected, got %v", err)
	}

	all, err := repo.ListByUser(ctx, "alice")
	if err != nil || len(all) != 1 {
		t.Fatalf("unexpected list %+v err=%v", all, err)
	}
	if err := repo.Delete(ctx, "alice", llm.RoleReasoning); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if cfg, _ := repo.ModelConfigFor(ctx, "alice", llm.RoleReasoning); cfg != nil {
		t.Fatalf("config should be gone after delete")
	}
}

func TestModelConfigRepositoryFeedsProvider(t *testing.T) {
	repo := NewModelConfigRepository(openTestDB(t))
	ctx := context.Background()
	_ = repo.Upsert(ctx, "alice", llm.RoleConversation, llm.ModelConfig{Model: "user-model"})

	factory := func(llm.ModelConfig) (llm.ChatModel, error) { return nil, nil }
	provider, err := llm.NewProvider(map[llm.Role]llm.ModelConfig{
		llm.RoleConversation: {Model: "system-model"},
	}, factory, llm.WithUserConfigStore(repo))
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	got, err := provider.ConfigFor(ctx, "alice", llm.RoleConversation)
	if err != nil || got.Model != "user-model" {
		t.Fatalf("user override not applied: %+v %v", got, err)
	}
	got, err = provider.ConfigFor(ctx, "bob", llm.RoleConversation)
	if err != nil || got.Model != "system-model" {
		t.Fatalf("fallback not applied: %+v %v", got, err)
	}
}

func TestMCPServerRepository(t *testing.T) {
	repo := NewMCPServerRepository(openTestDB(t))
	ctx := context.Background()

	server := tool.ServerDescriptor{
		ID:        "weather",
		Name:      "天气",
		URL:       "http://localhost:9000/sse",
		Headers:   map[string]string{"X-Token": "t"},
		Tools:     []string{"get_weather"},
		OwnerID:   "alice",
		Public:    false,
		Transport: tool.TransportStreamableHTTP,
	}
	if err := repo.Save(ctx, server); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := repo.Server(ctx, "weather")
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	if got.Transport != tool.TransportStreamableHTTP || got.Headers["X-Token"] != "t" || len(got.Tools) != 1 || got.Public {
		t.Fatalf("unexpected server %+v", got)
	}
	if got.AccessibleBy("bob") {
		t.Fatalf("private server must not be accessible by others")
	}
	if _, err := repo.Server(ctx, "missing"); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}

	chained := tool.ChainServerStores(tool.NewStaticServerStore(), repo)
	if srv, err := chained.Server(ctx, "weather"); err != nil || srv.ID != "weather" {
		t.Fatalf("chained lookup failed: %+v %v", srv, err)
	}

	cfg, err := repo.ToolConfig(ctx, "alice", "weather")
	if err != nil || len(cfg) != 0 {
		t.Fatalf("missing config should be empty: %v %v", cfg, err)
	}
	if err := repo.SetToolConfig(ctx, "alice", "weather", map[string]any{"api_key": "secret"}); err != nil {
		t.Fatalf("set tool config: %v", err)
	}
	cfg, err = repo.ToolConfig(ctx, "alice", "weather")
	if err != nil || cfg["api_key"] != "secret" {
		t.Fatalf("unexpected config %v %v", cfg, err)
	}
}

func TestUsageRepository(t *testing.T) {
	repo := NewUsageRepository(openTestDB(t))
	ctx := context.Background()

	records := []llm.UsageRecord{
		{UserID: "alice", Agent: "ToolMindAgent", Model: "gpt-4o", Role: llm.RoleConversation, InputTokens: 10, OutputTokens: 5, CreatedAt: 100},
		{UserID: "alice", Agent: "ToolMindAgent", Model: "gpt-4o", Role: llm.RoleConversation, InputTokens: 20, OutputTokens: 7, CreatedAt: 200},
		{UserID: "alice", Agent: "ToolMindAgent", Model: "deepseek-r1", Role: llm.RoleReasoning, InputTokens: 3, OutputTokens: 2, CreatedAt: 300},
		{UserID: "bob", Agent: "ToolMindAgent", Model: "gpt-4o", Role: llm.RoleConversation, InputTokens: 99, OutputTokens: 99, CreatedAt: 300},
	}
	for _, rec := range records {
		if err := repo.RecordUsage(ctx, rec); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	summary, err := repo.Summary(ctx, "alice", time.Time{})
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if len(summary) != 2 {
		t.Fatalf("expected two models, got %+v", summary)
	}
	gpt := summary[1]
	if gpt.Model != "gpt-4o" || gpt.Calls != 2 || gpt.InputTokens != 30 || gpt.OutputTokens != 12 {
		t.Fatalf("unexpected gpt summary %+v", gpt)
	}

	recent, err := repo.Summary(ctx, "alice", time.Unix(150, 0))
	if err != nil || len(recent) != 2 || recent[1].Calls != 1 {
		t.Fatalf("since filter not applied: %+v %v", recent, err)
	}
}

func TestRunRepositoryLifecycle(t *testing.T) {
	repo := NewRunRepository(openTestDB(t))
	ctx := context.Background()

	run := &task.Task{
		ID:         "r1",
		UserID:     "alice",
		Query:      "周末去哪玩",
		WebSearch:  true,
		Plugins:    []string{"knowledge_search"},
		Status:     task.StatusPending,
		MaxRetries: 2,
	}
	if err := repo.Create(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.Create(ctx, run); !task.IsTaskError(err, task.CodeTaskConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	claimed, err := repo.Claim(ctx, "r1")
	if err != nil || claimed.Status != task.StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("claim: %+v %v", claimed, err)
	}
	if !claimed.WebSearch || len(claimed.Plugins) != 1 || claimed.MCPServers != nil {
		t.Fatalf("request fields not restored: %+v", claimed)
	}
	if _, err := repo.Claim(ctx, "r1"); !task.IsTaskError(err, task.CodeTaskConflict) {
		t.Fatalf("running run should conflict, got %v", err)
	}

	if err := repo.MarkFailed(ctx, "r1", task.CodeTaskProcessing, "boom", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := repo.Claim(ctx, "r1"); err != nil {
		t.Fatalf("retry claim: %v", err)
	}
	if err := repo.MarkSucceeded(ctx, "r1", task.Result{Answer: "去公园", Score: 90, Passed: true}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	got, err := repo.Get(ctx, "r1")
	if err != nil || got.Status != task.StatusSucceeded || got.Result == nil || got.Result.Answer != "去公园" || got.LastError != "" {
		t.Fatalf("unexpected run %+v %v", got, err)
	}
	if _, err := repo.Claim(ctx, "r1"); !task.IsTaskError(err, task.CodeTaskCompleted) {
		t.Fatalf("completed run should not be claimed, got %v", err)
	}
	if _, err := repo.Get(ctx, "missing"); !task.IsTaskError(err, task.CodeTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := repo.MarkFailed(ctx, "missing", task.CodeTaskProcessing, "x", true); !task.IsTaskError(err, task.CodeTaskNotFound) {
		t.Fatalf("expected not found on update, got %v", err)
	}
}

func TestRunRepositoryListAndStats(t *testing.T) {
	repo := NewRunRepository(openTestDB(t))
	ctx := context.Background()
	clock := int64(1000)
	repo.now = func() time.Time { clock += 10; return time.Unix(clock, 0) }

	for _, r := range []*task.Task{
		{ID: "a", UserID: "alice", Query: "写周报", Status: task.StatusPending, MaxRetries: 1},
		{ID: "b", UserID: "alice", Query: "查天气", Status: task.StatusPending, MaxRetries: 1},
		{ID: "c", UserID: "bob", Query: "订机票", Status: task.StatusPending, MaxRetries: 1},
	} {
		if err := repo.Create(ctx, r); err != nil {
			t.Fatalf("create %s: %v", r.ID, err)
		}
	}
	_ = repo.MarkSucceeded(ctx, "b", task.Result{Answer: "晴"})
	_ = repo.MarkFailed(ctx, "c", task.CodeTaskProcessing, "boom", true)

	mine, err := repo.List(ctx, task.BuildListOptions([]task.ListOption{task.WithUserID("alice")}))
	if err != nil || len(mine) != 2 || mine[0].ID != "b" {
		t.Fatalf("unexpected list %+v %v", mine, err)
	}
	withResult, _ := repo.List(ctx, task.BuildListOptions([]task.ListOption{task.WithResultPresence(true)}))
	if len(withResult) != 1 || withResult[0].ID != "b" {
		t.Fatalf("unexpected result filter %+v", withResult)
	}
	byQuery, _ := repo.List(ctx, task.BuildListOptions([]task.ListOption{task.WithQuery("机票")}))
	if len(byQuery) != 1 || byQuery[0].ID != "c" {
		t.Fatalf("unexpected query filter %+v", byQuery)
	}
	asc, _ := repo.List(ctx, task.BuildListOptions([]task.ListOption{task.WithSortOrder(task.SortByUpdatedAsc), task.WithLimit(1)}))
	if len(asc) != 1 || asc[0].ID != "a" {
		t.Fatalf("unexpected ascending page %+v", asc)
	}

	stats, err := repo.Stats(ctx, task.ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Succeeded != 1 || stats.Failed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.OldestUpdatedAt >= stats.NewestUpdatedAt {
		t.Fatalf("unexpected time range %+v", stats)
	}
	failed, _ := repo.Stats(ctx, task.BuildListOptions([]task.ListOption{task.WithStatuses(task.StatusFailed)}))
	if failed.Total != 1 || failed.Failed != 1 {
		t.Fatalf("unexpected failed stats %+v", failed)
	}
}
