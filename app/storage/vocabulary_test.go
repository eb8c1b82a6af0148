package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/umputun/comment-gate/app/storage/engine"
)

const testVocabulary = `{"start":1,"unknown":2,"pad":0,"lookup":{"great":3,"post":4,"thanks":5}}`

func (s *StorageTestSuite) TestNewVocabulary() {
	for _, dbt := range s.getTestDB() {
		db := dbt.DB
		s.Run(fmt.Sprintf("with %s", db.Type()), func() {
			defer db.Exec("DROP TABLE vocabulary")
			defer db.Exec("DROP TABLE vocabulary_reserved")

			tests := []struct {
				name    string
				db      *engine.SQL
				wantErr bool
			}{
				{name: "valid db connection", db: db},
				{name: "nil db connection", db: nil, wantErr: true},
			}
			for _, tt := range tests {
				s.Run(tt.name, func() {
					v, err := NewVocabulary(context.Background(), tt.db)
					if tt.wantErr {
						s.Error(err)
						s.Nil(v)
						return
					}
					s.NoError(err)
					s.NotNil(v)
				})
			}
		})
	}
}

func (s *StorageTestSuite) TestVocabulary_ImportAndLoad() {
	ctx := context.Background()
	for _, dbt := range s.getTestDB() {
		db := dbt.DB
		s.Run(fmt.Sprintf("with %s", db.Type()), func() {
			v, err := NewVocabulary(ctx, db)
			s.Require().NoError(err)
			defer db.Exec("DROP TABLE vocabulary")
			defer db.Exec("DROP TABLE vocabulary_reserved")

			st, err := v.Import(ctx, strings.NewReader(testVocabulary), true)
			s.Require().NoError(err)
			s.Equal(&VocabularyStats{Words: 3, MaxID: 5, Start: 1, Unknown: 2, Pad: 0}, st)
			s.Equal("words: 3, max id: 5, start: 1, unknown: 2, pad: 0", st.String())

			voc, err := v.Load(ctx)
			s.Require().NoError(err)
			s.Equal(3, voc.Len())
			s.Equal(1, voc.Start())
			s.Equal(2, voc.Unknown())
			s.Equal(0, voc.Pad())
			s.Equal(5, voc.ID("thanks"))
			s.Equal(2, voc.ID("unseen"))
		})
	}
}

func (s *StorageTestSuite) TestVocabulary_ImportMerge() {
	ctx := context.Background()
	for _, dbt := range s.getTestDB() {
		db := dbt.DB
		s.Run(fmt.Sprintf("with %s", db.Type()), func() {
			v, err := NewVocabulary(ctx, db)
			s.Require().NoError(err)
			defer db.Exec("DROP TABLE vocabulary")
			defer db.Exec("DROP TABLE vocabulary_reserved")

			_, err = v.Import(ctx, strings.NewReader(testVocabulary), true)
			s.Require().NoError(err)

			s.Run("merge keeps old words and overrides ids", func() {
				st, err := v.Import(ctx, strings.NewReader(`{"start":1,"unknown":2,"pad":0,"lookup":{"post":7,"cheap":6}}`), false)
				s.Require().NoError(err)
				s.Equal(4, st.Words)
				s.Equal(7, st.MaxID)
				voc, err := v.Load(ctx)
				s.Require().NoError(err)
				s.Equal(7, voc.ID("post"))
				s.True(voc.Contains("great"))
			})

			s.Run("cleanup replaces all words", func() {
				st, err := v.Import(ctx, strings.NewReader(`{"start":10,"unknown":11,"pad":12,"lookup":{"meds":3}}`), true)
				s.Require().NoError(err)
				s.Equal(&VocabularyStats{Words: 1, MaxID: 3, Start: 10, Unknown: 11, Pad: 12}, st)
				voc, err := v.Load(ctx)
				s.Require().NoError(err)
				s.False(voc.Contains("great"))
				s.Equal(12, voc.Pad())
			})
		})
	}
}

func (s *StorageTestSuite) TestVocabulary_ImportErrors() {
	ctx := context.Background()
	for _, dbt := range s.getTestDB() {
		db := dbt.DB
		s.Run(fmt.Sprintf("with %s", db.Type()), func() {
			v, err := NewVocabulary(ctx, db)
			s.Require().NoError(err)
			defer db.Exec("DROP TABLE vocabulary")
			defer db.Exec("DROP TABLE vocabulary_reserved")

			tests := []struct {
				name string
				data string
			}{
				{name: "bad json", data: `{"lookup":`},
				{name: "empty lookup", data: `{"start":1,"unknown":2,"pad":0,"lookup":{}}`},
				{name: "duplicate reserved", data: `{"start":1,"unknown":1,"pad":0,"lookup":{"a":3}}`},
				{name: "word on reserved id", data: `{"start":1,"unknown":2,"pad":0,"lookup":{"a":2}}`},
			}
			for _, tt := range tests {
				s.Run(tt.name, func() {
					_, err := v.Import(ctx, strings.NewReader(tt.data), true)
					s.Error(err)
				})
			}

			s.Run("nil reader", func() {
				_, err := v.Import(ctx, nil, true)
				s.Error(err)
			})

			st, err := v.Stats(ctx)
			s.Require().NoError(err)
			s.Equal(&VocabularyStats{}, st, "nothing stored after failed imports")
		})
	}
}

func (s *StorageTestSuite) TestVocabulary_LoadEmpty() {
	ctx := context.Background()
	for _, dbt := range s.getTestDB() {
		db := dbt.DB
		s.Run(fmt.Sprintf("with %s", db.Type()), func() {
			v, err := NewVocabulary(ctx, db)
			s.Require().NoError(err)
			defer db.Exec("DROP TABLE vocabulary")
			defer db.Exec("DROP TABLE vocabulary_reserved")

			_, err = v.Load(ctx)
			s.Error(err)
		})
	}
}

func (s *StorageTestSuite) TestVocabulary_GroupIsolation() {
	ctx := context.Background()
	for _, dbt := range s.getTestDB() {
		db := dbt.DB
		if db.Type() != engine.Sqlite {
			continue
		}
		s.Run("with sqlite", func() {
			v, err := NewVocabulary(ctx, db)
			s.Require().NoError(err)
			defer db.Exec("DROP TABLE vocabulary")
			defer db.Exec("DROP TABLE vocabulary_reserved")
			_, err = v.Import(ctx, strings.NewReader(testVocabulary), true)
			s.Require().NoError(err)

			// same connection, different group id
			other := &Vocabulary{SQL: db.WithGID("gr2"), RWLocker: v.RWLocker}
			_, err = other.Load(ctx)
			s.Error(err)
			st, err := other.Stats(ctx)
			s.Require().NoError(err)
			s.Equal(0, st.Words)
		})
	}
}
