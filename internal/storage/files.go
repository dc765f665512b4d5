package storage

import (
	"chatok/internal/models"

	"go.etcd.io/bbolt"
)

// PutFile stores metadata for an uploaded file. The content itself lives in
// the filestore, addressed by hash.
func (s *BboltStorage) PutFile(file DBFile) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := file.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketFiles).Put(file.Key(), data)
	})
}

func (s *BboltStorage) GetFile(id string) (DBFile, error) {
	var file DBFile
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketFiles).Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		return file.UnmarshalBinary(data)
	})
	return file, err
}
