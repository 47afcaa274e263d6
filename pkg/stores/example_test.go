package stores_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/domainkernel/domainkernel/pkg/engine"
	"github.com/domainkernel/domainkernel/pkg/model"
	"github.com/domainkernel/domainkernel/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	dir, err := os.MkdirTemp("", "stores-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            filepath.Join(dir, "domain.db"),
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_PersistChanges journals a committed batch and reads it back.
func ExampleSQLiteStore_PersistChanges() {
	dir, _ := os.MkdirTemp("", "stores-example")
	defer os.RemoveAll(dir)

	store, _ := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(dir, "domain.db")})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	err := store.PersistChanges(ctx, "op-1", []model.Change{{
		Version:   1,
		Kind:      model.ChangeCreate,
		Address:   engine.NewAddress("profile", "full"),
		Timestamp: time.Now(),
	}})
	if err != nil {
		log.Fatal(err)
	}

	changes, _ := store.ListChanges(ctx, nil, 0, 0)
	for _, c := range changes {
		fmt.Println(c.Version, c.Kind, c.Address)
	}
	// Output: 1 create /profile=full
}
