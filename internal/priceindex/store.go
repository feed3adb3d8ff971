package priceindex

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/checkthis/receipts/internal/scanning"
)

const bucketName = "prices"

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// BoltStore implements Writer on a bbolt bucket. Sequence keys keep insertion
// order, which makes FIFO eviction a prefix delete.
type BoltStore struct {
	db              *bbolt.DB
	cap             int
	defaultCurrency string
	timeSource      TimeSource
}

// NewBoltStore creates a price store with the given retention cap
func NewBoltStore(db *bbolt.DB, cap int, defaultCurrency string) (*BoltStore, error) {
	return NewBoltStoreWithClock(db, cap, defaultCurrency, &defaultTimeSource{})
}

// NewBoltStoreWithClock creates a price store with a custom time source for testing
func NewBoltStoreWithClock(db *bbolt.DB, cap int, defaultCurrency string, timeSource TimeSource) (*BoltStore, error) {
	if cap <= 0 {
		cap = DefaultCap
	}
	if defaultCurrency == "" {
		defaultCurrency = "PLN"
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating price bucket: %w", err)
	}
	return &BoltStore{
		db:              db,
		cap:             cap,
		defaultCurrency: defaultCurrency,
		timeSource:      timeSource,
	}, nil
}

// SavePrices extracts per-unit prices from the receipt and appends them.
// A receipt with no store name is refused outright: a price record with no
// store is meaningless.
func (s *BoltStore) SavePrices(data *scanning.ReceiptData) (int, error) {
	meta := data.Meta
	if meta.StoreName == "" {
		slog.Warn("Skipping price save, receipt has no store name")
		return 0, nil
	}

	now := s.timeSource.Now()
	records := make([]PriceRecord, 0, len(data.Items))

	for _, item := range data.Items {
		price, ok := item.EffectivePrice()
		if !ok || item.NormalizedName == "" || item.Confidence == scanning.ConfidenceLow {
			continue
		}

		date := meta.PurchaseDate
		if date == "" {
			date = now.Format("2006-01-02")
		}
		currency := meta.Currency
		if currency == "" {
			currency = s.defaultCurrency
		}
		brand := item.Brand
		if brand == "" {
			brand = "Unknown"
		}
		category := item.Category
		if category == "" {
			category = scanning.CategoryOther
		}

		records = append(records, PriceRecord{
			ID:          uuid.NewString(),
			ProductName: item.NormalizedName,
			Brand:       brand,
			Category:    category,
			StoreName:   meta.StoreName,
			Date:        date,
			Price:       price,
			Currency:    currency,
			Source:      SourceReceiptOCR,
			CreatedAt:   now,
		})
	}

	if len(records) == 0 {
		return 0, nil
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		for _, record := range records {
			seq, err := bucket.NextSequence()
			if err != nil {
				return fmt.Errorf("allocating sequence: %w", err)
			}
			value, err := json.Marshal(&record)
			if err != nil {
				return fmt.Errorf("marshaling price record: %w", err)
			}
			if err := bucket.Put(sequenceKey(seq), value); err != nil {
				return err
			}
		}

		// FIFO eviction: drop oldest records past the retention cap. Keys
		// are collected before deleting: a cursor delete shifts the next
		// entry into the deleted slot, so Delete+Next skips records.
		count := 0
		cursor := bucket.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			count++
		}
		if excess := count - s.cap; excess > 0 {
			evict := make([][]byte, 0, excess)
			for k, _ := cursor.First(); k != nil && len(evict) < excess; k, _ = cursor.Next() {
				key := make([]byte, len(k))
				copy(key, k)
				evict = append(evict, key)
			}
			for _, key := range evict {
				if err := bucket.Delete(key); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("saving price records: %w", err)
	}

	slog.Info("Indexed receipt prices", "store", meta.StoreName, "records", len(records))
	return len(records), nil
}

// ProductHistory returns records whose product name contains the query,
// case-insensitively, in insertion order
func (s *BoltStore) ProductHistory(productName string) ([]PriceRecord, error) {
	needle := strings.ToLower(productName)
	matches := make([]PriceRecord, 0)

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var record PriceRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("unmarshaling price record: %w", err)
			}
			if strings.Contains(strings.ToLower(record.ProductName), needle) {
				matches = append(matches, record)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// Count returns the number of stored records
func (s *BoltStore) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(bucketName)).Stats().KeyN
		return nil
	})
	return n, err
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
