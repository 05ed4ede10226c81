package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/MegaGrindStone/nova-chat/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the Store interface using a BoltDB backend for persistent storage of users,
// tokens, threads, their messages and usage logs.
type BoltDB struct {
	db *bolt.DB
}

type userRecord struct {
	models.User
	PasswordHash string `json:"password_hash"`
}

type threadRecord struct {
	models.Thread
	UserID models.ID `json:"user_id"`
}

var (
	// ErrNotFound is returned when a record doesn't exist or isn't owned by the requesting user.
	ErrNotFound = errors.New("not found")
	// ErrEmailExists is returned when signing up with an email that is already registered.
	ErrEmailExists = errors.New("email already exists")
)

var (
	usersBucket   = []byte("users")
	emailsBucket  = []byte("emails")
	tokensBucket  = []byte("tokens")
	threadsBucket = []byte("threads")
	usageBucket   = []byte("usage")
)

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{usersBucket, emailsBucket, tokensBucket, threadsBucket, usageBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, err
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(threadID models.ID) []byte {
	return []byte(fmt.Sprintf("thread-%s", threadID))
}

// seqKey encodes a sequence number so keys sort in insertion order.
func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func idKey(id models.ID) ([]byte, bool) {
	n, err := strconv.ParseUint(string(id), 10, 64)
	if err != nil {
		return nil, false
	}
	return seqKey(n), true
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// AddUser stores a new user with the given password hash and returns it with its assigned ID.
func (b BoltDB) AddUser(_ context.Context, user models.User, passwordHash string) (models.User, error) {
	email := normalizeEmail(user.Email)
	err := b.db.Update(func(tx *bolt.Tx) error {
		emails := tx.Bucket(emailsBucket)
		if emails.Get([]byte(email)) != nil {
			return ErrEmailExists
		}

		users := tx.Bucket(usersBucket)
		seq, err := users.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		user.ID = models.ID(strconv.FormatUint(seq, 10))
		user.Email = email
		user.IsActive = true
		user.CreatedAt = time.Now().UTC()

		v, err := json.Marshal(userRecord{User: user, PasswordHash: passwordHash})
		if err != nil {
			return fmt.Errorf("failed to marshal user: %w", err)
		}
		if err := users.Put(seqKey(seq), v); err != nil {
			return err
		}
		return emails.Put([]byte(email), []byte(user.ID))
	})
	if err != nil {
		return models.User{}, err
	}
	return user, nil
}

// UserByEmail returns the user registered with email and its password hash.
func (b BoltDB) UserByEmail(ctx context.Context, email string) (models.User, string, error) {
	var id models.ID
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(emailsBucket).Get([]byte(normalizeEmail(email)))
		if v == nil {
			return ErrNotFound
		}
		id = models.ID(v)
		return nil
	})
	if err != nil {
		return models.User{}, "", err
	}

	rec, err := b.userRecord(ctx, id)
	if err != nil {
		return models.User{}, "", err
	}
	return rec.User, rec.PasswordHash, nil
}

// User returns the user with id.
func (b BoltDB) User(ctx context.Context, id models.ID) (models.User, error) {
	rec, err := b.userRecord(ctx, id)
	if err != nil {
		return models.User{}, err
	}
	return rec.User, nil
}

func (b BoltDB) userRecord(_ context.Context, id models.ID) (userRecord, error) {
	key, ok := idKey(id)
	if !ok {
		return userRecord{}, ErrNotFound
	}

	var rec userRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(usersBucket).Get(key)
		if v == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal user: %w", err)
		}
		return nil
	})
	return rec, err
}

// AddToken stores an issued token.
func (b BoltDB) AddToken(_ context.Context, token string, grant models.TokenGrant) error {
	v, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).Put([]byte(token), v)
	})
}

// Token returns the grant of token.
func (b BoltDB) Token(_ context.Context, token string) (models.TokenGrant, error) {
	var grant models.TokenGrant
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(tokensBucket).Get([]byte(token))
		if v == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(v, &grant); err != nil {
			return fmt.Errorf("failed to unmarshal token: %w", err)
		}
		return nil
	})
	return grant, err
}

// DeleteToken revokes token. Deleting an unknown token is not an error.
func (b BoltDB) DeleteToken(_ context.Context, token string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).Delete([]byte(token))
	})
}

// Threads retrieves the threads owned by userID, most recently updated first.
func (b BoltDB) Threads(_ context.Context, userID models.ID) ([]models.Thread, error) {
	var threads []models.Thread
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(threadsBucket).ForEach(func(_, v []byte) error {
			var rec threadRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal thread: %w", err)
			}
			if rec.UserID == userID {
				threads = append(threads, rec.Thread)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	// Keys are in creation order, so a stable sort keeps newer threads first on equal timestamps.
	slices.Reverse(threads)
	slices.SortStableFunc(threads, func(a, b models.Thread) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return threads, nil
}

// Thread returns thread id if it is owned by userID.
func (b BoltDB) Thread(_ context.Context, userID, id models.ID) (models.Thread, error) {
	var thread models.Thread
	err := b.db.View(func(tx *bolt.Tx) error {
		rec, err := ownedThread(tx, userID, id)
		if err != nil {
			return err
		}
		thread = rec.Thread
		return nil
	})
	return thread, err
}

// AddThread stores a new thread for userID and creates its message bucket.
func (b BoltDB) AddThread(_ context.Context, userID models.ID, thread models.Thread) (models.Thread, error) {
	err := b.db.Update(func(tx *bolt.Tx) error {
		threads := tx.Bucket(threadsBucket)
		seq, err := threads.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		now := time.Now().UTC()
		thread.ID = models.ID(strconv.FormatUint(seq, 10))
		thread.CreatedAt = now
		thread.UpdatedAt = now

		if _, err := tx.CreateBucketIfNotExists(messageBucketName(thread.ID)); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}
		return putThread(tx, threadRecord{Thread: thread, UserID: userID})
	})
	if err != nil {
		return models.Thread{}, err
	}
	return thread, nil
}

// UpdateThread modifies the title, model and system prompt of a thread owned by userID.
func (b BoltDB) UpdateThread(_ context.Context, userID models.ID, thread models.Thread) (models.Thread, error) {
	var updated models.Thread
	err := b.db.Update(func(tx *bolt.Tx) error {
		rec, err := ownedThread(tx, userID, thread.ID)
		if err != nil {
			return err
		}
		rec.Title = thread.Title
		rec.Model = thread.Model
		rec.SystemPrompt = thread.SystemPrompt
		rec.UpdatedAt = time.Now().UTC()
		updated = rec.Thread
		return putThread(tx, rec)
	})
	return updated, err
}

// DeleteThread removes a thread owned by userID together with its messages.
func (b BoltDB) DeleteThread(_ context.Context, userID, id models.ID) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if _, err := ownedThread(tx, userID, id); err != nil {
			return err
		}
		key, _ := idKey(id)
		if err := tx.Bucket(threadsBucket).Delete(key); err != nil {
			return err
		}
		err := tx.DeleteBucket(messageBucketName(id))
		if err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return fmt.Errorf("failed to delete message bucket: %w", err)
		}
		return nil
	})
}

// Messages retrieves all messages of threadID in the order they were stored.
func (b BoltDB) Messages(_ context.Context, threadID models.ID) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(messageBucketName(threadID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// AddMessage stores a new message in the thread's message bucket, assigns its ID and touches the
// thread's update time.
func (b BoltDB) AddMessage(_ context.Context, threadID models.ID, message models.Message) (models.Message, error) {
	err := b.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(messageBucketName(threadID))
		if b == nil {
			return ErrNotFound
		}

		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		message.ID = models.ID(fmt.Sprintf("%s-%d", threadID, seq))
		message.CreatedAt = time.Now().UTC()

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := b.Put(seqKey(seq), v); err != nil {
			return err
		}

		key, ok := idKey(threadID)
		if !ok {
			return nil
		}
		tv := tx.Bucket(threadsBucket).Get(key)
		if tv == nil {
			return nil
		}
		var rec threadRecord
		if err := json.Unmarshal(tv, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal thread: %w", err)
		}
		rec.UpdatedAt = message.CreatedAt
		return putThread(tx, rec)
	})
	if err != nil {
		return models.Message{}, err
	}
	return message, nil
}

// AddUsage appends a usage log.
func (b BoltDB) AddUsage(_ context.Context, log models.UsageLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		usage := tx.Bucket(usageBucket)
		seq, err := usage.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		v, err := json.Marshal(log)
		if err != nil {
			return fmt.Errorf("failed to marshal usage: %w", err)
		}
		return usage.Put(seqKey(seq), v)
	})
}

// UsageSummary aggregates the usage logs of userID.
func (b BoltDB) UsageSummary(_ context.Context, userID models.ID) (models.UsageSummary, error) {
	var sum models.UsageSummary
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(usageBucket).ForEach(func(_, v []byte) error {
			var log models.UsageLog
			if err := json.Unmarshal(v, &log); err != nil {
				return fmt.Errorf("failed to unmarshal usage: %w", err)
			}
			if log.UserID != userID {
				return nil
			}
			sum.TotalPromptTokens += log.PromptTokens
			sum.TotalCompletionTokens += log.CompletionTokens
			sum.TotalTokens += log.TotalTokens
			sum.TotalEstimatedCostUSD += log.EstimatedCostUSD
			return nil
		})
	})
	if err != nil {
		return models.UsageSummary{}, err
	}
	sum.TotalEstimatedCostUSD = math.Round(sum.TotalEstimatedCostUSD*10000) / 10000
	return sum, nil
}

func ownedThread(tx *bolt.Tx, userID, id models.ID) (threadRecord, error) {
	key, ok := idKey(id)
	if !ok {
		return threadRecord{}, ErrNotFound
	}
	v := tx.Bucket(threadsBucket).Get(key)
	if v == nil {
		return threadRecord{}, ErrNotFound
	}
	var rec threadRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return threadRecord{}, fmt.Errorf("failed to unmarshal thread: %w", err)
	}
	if rec.UserID != userID {
		return threadRecord{}, ErrNotFound
	}
	return rec, nil
}

func putThread(tx *bolt.Tx, rec threadRecord) error {
	key, ok := idKey(rec.ID)
	if !ok {
		return fmt.Errorf("invalid thread id %q", rec.ID)
	}
	v, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal thread: %w", err)
	}
	return tx.Bucket(threadsBucket).Put(key, v)
}
