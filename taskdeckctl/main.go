package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"taskdeck.app/taskdeck"
)

const TaskdeckCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`Taskdeck control.

The default urls are:
    api_url: %s
    ws_url: %s

Usage:
    taskdeckctl signup --username=<username> --email=<email> [--bio=<bio>]
        [--config=<config>]
    taskdeckctl login --username=<username> [--password=<password>]
        [--config=<config>]
    taskdeckctl logout [--config=<config>]
    taskdeckctl tasks [--status=<status>] [--priority=<priority>]
        [--category=<category_id>] [--page=<page>] [--config=<config>]
    taskdeckctl create --title=<title> [--description=<description>]
        [--status=<status>] [--priority=<priority>] [--category=<category_id>]
        [--config=<config>]
    taskdeckctl update <task_id> [--title=<title>] [--description=<description>]
        [--status=<status>] [--priority=<priority>] [--config=<config>]
    taskdeckctl delete <task_id> [--config=<config>]
    taskdeckctl move <source_index> <destination_index> [--status=<status>]
        [--priority=<priority>] [--category=<category_id>] [--page=<page>]
        [--config=<config>]
    taskdeckctl categories [--config=<config>]
    taskdeckctl categories create --name=<name> [--config=<config>]
    taskdeckctl watch [--status=<status>] [--priority=<priority>]
        [--category=<category_id>] [--page=<page>] [--config=<config>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --config=<config>            Config file path [default: %s].
    --username=<username>
    --password=<password>
    --email=<email>
    --bio=<bio>
    --title=<title>
    --description=<description>
    --name=<name>
    --status=<status>            TODO, IN_PROGRESS or DONE.
    --priority=<priority>        LOW, MEDIUM or HIGH.
    --category=<category_id>
    --page=<page>                Page number, starting at 1.`,
		taskdeck.DefaultApiUrl,
		taskdeck.DefaultWsUrl,
		defaultConfigPath(),
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], TaskdeckCtlVersion)
	if err != nil {
		panic(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := newClient(ctx, opts)
	defer client.close()

	if signup_, _ := opts.Bool("signup"); signup_ {
		client.signup(opts)
	} else if login_, _ := opts.Bool("login"); login_ {
		client.login(opts)
	} else if logout_, _ := opts.Bool("logout"); logout_ {
		client.logout()
	} else if tasks_, _ := opts.Bool("tasks"); tasks_ {
		client.tasks(opts)
	} else if categories_, _ := opts.Bool("categories"); categories_ {
		if create_, _ := opts.Bool("create"); create_ {
			client.createCategory(opts)
		} else {
			client.categories()
		}
	} else if create_, _ := opts.Bool("create"); create_ {
		client.create(opts)
	} else if update_, _ := opts.Bool("update"); update_ {
		client.update(opts)
	} else if delete_, _ := opts.Bool("delete"); delete_ {
		client.delete(opts)
	} else if move_, _ := opts.Bool("move"); move_ {
		client.move(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		client.watch(opts)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".taskdeck", "config.yml")
}

type client struct {
	ctx context.Context

	config      *taskdeck.Config
	store       *taskdeck.SqliteCredentialStore
	api         *taskdeck.TaskApi
	session     *taskdeck.SessionManager
	cache       *taskdeck.TaskCache
	coordinator *taskdeck.MutationCoordinator
	reorder     *taskdeck.ReorderEngine
}

func newClient(ctx context.Context, opts docopt.Opts) *client {
	configPath, _ := opts.String("--config")
	config, err := taskdeck.LoadConfig(configPath)
	if err != nil {
		Err.Fatalf("config error = %s", err)
	}

	if err := os.MkdirAll(filepath.Dir(config.StoragePath), 0700); err != nil {
		Err.Fatalf("storage error = %s", err)
	}
	store, err := taskdeck.NewSqliteCredentialStore(config.StoragePath)
	if err != nil {
		Err.Fatalf("storage error = %s", err)
	}

	api := taskdeck.NewTaskApiWithContext(ctx, config.ApiUrl)
	session := taskdeck.NewSessionManager(api, store)
	if err := session.Initialize(); err != nil {
		Err.Fatalf("session error = %s", err)
	}
	cache := taskdeck.NewTaskCacheWithDefaults(ctx, api, session)
	coordinator := taskdeck.NewMutationCoordinator(ctx, api, cache)

	return &client{
		ctx:         ctx,
		config:      config,
		store:       store,
		api:         api,
		session:     session,
		cache:       cache,
		coordinator: coordinator,
		reorder:     taskdeck.NewReorderEngine(cache, coordinator),
	}
}

func (self *client) close() {
	self.store.Close()
}

func (self *client) requireAuthenticated() {
	if !self.session.Status().IsAuthenticated() {
		Out.Fatalf("Please log in first: taskdeckctl login --username=<username>")
	}
}

func (self *client) signup(opts docopt.Opts) {
	username, _ := opts.String("--username")
	email, _ := opts.String("--email")
	bio, _ := opts.String("--bio")

	password := readPassword()

	result, err := self.session.Signup(username, email, password, bio)
	if err != nil {
		Out.Fatalf("Signup failed: %s", err)
	}
	Out.Printf("Created %s (%d). Log in with: taskdeckctl login --username=%s", result.Username, result.UserId, result.Username)
}

func (self *client) login(opts docopt.Opts) {
	username, _ := opts.String("--username")

	var password string
	if passwordAny := opts["--password"]; passwordAny != nil {
		password = passwordAny.(string)
	} else {
		password = readPassword()
	}

	if err := self.session.Login(username, password); err != nil {
		Out.Fatalf("Login failed: %s", err)
	}
	Out.Printf("Logged in as %s", username)
}

func readPassword() string {
	fmt.Print("Enter password: ")
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n")
	return string(passwordBytes)
}

func (self *client) logout() {
	self.session.Logout()
	Out.Printf("Logged out")
}

func filterFromOpts(opts docopt.Opts) taskdeck.TaskFilter {
	filter := taskdeck.TaskFilter{}
	if status, err := opts.String("--status"); err == nil && status != "" {
		filter.Status = taskdeck.TaskStatus(status)
	}
	if priority, err := opts.String("--priority"); err == nil && priority != "" {
		filter.Priority = taskdeck.TaskPriority(priority)
	}
	if category, err := opts.String("--category"); err == nil && category != "" {
		categoryId, err := strconv.ParseInt(category, 10, 64)
		if err != nil {
			Out.Fatalf("Bad category id: %s", category)
		}
		filter.CategoryId = categoryId
	}
	return filter
}

func (self *client) applyView(opts docopt.Opts) {
	self.cache.SetFilter(filterFromOpts(opts))
	if page, err := opts.String("--page"); err == nil && page != "" {
		p, err := strconv.Atoi(page)
		if err != nil {
			Out.Fatalf("Bad page: %s", page)
		}
		self.cache.SetPage(p)
	}
}

func (self *client) tasks(opts docopt.Opts) {
	self.requireAuthenticated()
	self.applyView(opts)

	entry, err := self.cache.FetchCurrent()
	if err != nil {
		Out.Fatalf("Fetch failed: %s", err)
	}
	printEntry(entry, self.cache)
}

func printEntry(entry *taskdeck.CacheEntry, cache *taskdeck.TaskCache) {
	if entry.Status == taskdeck.CacheStatusError {
		Out.Fatalf("Fetch failed: %s", entry.LastError)
	}
	for i, task := range entry.Tasks {
		category := "-"
		if task.Category != nil {
			category = task.Category.Name
		}
		Out.Printf("%2d. [%d] %-11s %-6s %-24s %s", i, task.TaskId, task.Status, task.Priority, task.Title, category)
	}
	Out.Printf(
		"page %d of %d (%d tasks)",
		entry.Key.Page,
		cache.PageCount(entry.PageMeta.TotalCount),
		entry.PageMeta.TotalCount,
	)
}

func (self *client) create(opts docopt.Opts) {
	self.requireAuthenticated()

	title, _ := opts.String("--title")
	description, _ := opts.String("--description")

	draft := &taskdeck.CreateTaskArgs{
		Title:       title,
		Description: description,
	}
	if status, err := opts.String("--status"); err == nil && status != "" {
		draft.Status = taskdeck.TaskStatus(status)
	}
	if priority, err := opts.String("--priority"); err == nil && priority != "" {
		draft.Priority = taskdeck.TaskPriority(priority)
	}
	if category, err := opts.String("--category"); err == nil && category != "" {
		categoryId, err := strconv.ParseInt(category, 10, 64)
		if err != nil {
			Out.Fatalf("Bad category id: %s", category)
		}
		draft.CategoryId = &categoryId
	}

	task, err := self.coordinator.Create(draft)
	if err != nil {
		Out.Fatalf("Create failed: %s", err)
	}
	Out.Printf("Created [%d] %s", task.TaskId, task.Title)
}

func (self *client) update(opts docopt.Opts) {
	self.requireAuthenticated()

	taskId := requireTaskId(opts)

	patch := &taskdeck.TaskPatch{}
	if title, err := opts.String("--title"); err == nil && title != "" {
		patch.Title = &title
	}
	if description, err := opts.String("--description"); err == nil && description != "" {
		patch.Description = &description
	}
	if status, err := opts.String("--status"); err == nil && status != "" {
		s := taskdeck.TaskStatus(status)
		patch.Status = &s
	}
	if priority, err := opts.String("--priority"); err == nil && priority != "" {
		p := taskdeck.TaskPriority(priority)
		patch.Priority = &p
	}

	task, err := self.coordinator.Update(taskId, patch)
	if err != nil {
		Out.Fatalf("Update failed: %s", err)
	}
	Out.Printf("Updated [%d] %s", task.TaskId, task.Title)
}

func (self *client) delete(opts docopt.Opts) {
	self.requireAuthenticated()

	taskId := requireTaskId(opts)
	if err := self.coordinator.Delete(taskId); err != nil {
		Out.Fatalf("Delete failed: %s", err)
	}
	Out.Printf("Deleted [%d]", taskId)
}

func requireTaskId(opts docopt.Opts) int64 {
	taskIdStr, _ := opts.String("<task_id>")
	taskId, err := strconv.ParseInt(taskIdStr, 10, 64)
	if err != nil {
		Out.Fatalf("Bad task id: %s", taskIdStr)
	}
	return taskId
}

func (self *client) move(opts docopt.Opts) {
	self.requireAuthenticated()
	self.applyView(opts)

	sourceStr, _ := opts.String("<source_index>")
	destinationStr, _ := opts.String("<destination_index>")
	sourceIndex, err := strconv.Atoi(sourceStr)
	if err != nil {
		Out.Fatalf("Bad source index: %s", sourceStr)
	}
	destinationIndex, err := strconv.Atoi(destinationStr)
	if err != nil {
		Out.Fatalf("Bad destination index: %s", destinationStr)
	}

	entry, err := self.cache.FetchCurrent()
	if err != nil {
		Out.Fatalf("Fetch failed: %s", err)
	}
	if entry.Status == taskdeck.CacheStatusError {
		Out.Fatalf("Fetch failed: %s", entry.LastError)
	}

	if err := self.reorder.Move(entry.Key, sourceIndex, destinationIndex); err != nil {
		Out.Fatalf("Move failed: %s", err)
	}

	entry, err = self.cache.FetchCurrent()
	if err != nil {
		Out.Fatalf("Fetch failed: %s", err)
	}
	printEntry(entry, self.cache)
}

func (self *client) categories() {
	self.requireAuthenticated()

	categoryCache := taskdeck.NewCategoryCacheWithDefaults(self.ctx, self.api)
	categories, err := categoryCache.Get()
	if err != nil {
		Out.Fatalf("Fetch failed: %s", err)
	}
	for _, category := range categories {
		Out.Printf("[%d] %s", category.CategoryId, category.Name)
	}
}

func (self *client) createCategory(opts docopt.Opts) {
	self.requireAuthenticated()

	name, _ := opts.String("--name")
	category, err := self.api.CreateCategorySync(&taskdeck.CreateCategoryArgs{Name: name})
	if err != nil {
		Out.Fatalf("Create failed: %s", err)
	}
	Out.Printf("Created [%d] %s", category.CategoryId, category.Name)
}

func (self *client) watch(opts docopt.Opts) {
	self.requireAuthenticated()
	self.applyView(opts)

	removeUpdateCallback := self.cache.AddUpdateCallback(func(entry *taskdeck.CacheEntry) {
		if entry.Key == self.cache.CurrentKey() && entry.Status == taskdeck.CacheStatusReady {
			printEntry(entry, self.cache)
		}
	})
	defer removeUpdateCallback()

	if _, err := self.cache.FetchCurrent(); err != nil {
		Out.Fatalf("Fetch failed: %s", err)
	}

	listener := taskdeck.NewPushListenerWithDefaults(self.ctx, self.config.WsUrl, self.session, self.cache)
	defer listener.Close()

	<-self.ctx.Done()
}
