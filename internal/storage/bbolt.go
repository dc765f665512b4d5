package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"chatok/internal/auth"
	"chatok/internal/models"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketUsers       = []byte("users")
	bucketUsersEmail  = []byte("users_email_index")
	bucketChats       = []byte("chats")
	bucketDirectIndex = []byte("chats_direct_index")
	bucketMessages    = []byte("messages")
	bucketFiles       = []byte("files")
	bucketPushSubs    = []byte("push_subscriptions")
)

type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{
			bucketUsers,
			bucketUsersEmail,
			bucketChats,
			bucketDirectIndex,
			bucketMessages,
			bucketFiles,
			bucketPushSubs,
		} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// UpsertCredentials stores new or updated user credentials and maintains
// the email lookup index.
func (s *BboltStorage) UpsertCredentials(credentials auth.UserCredentials) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbUser := &DBUser{
			ID:           credentials.ID,
			Name:         credentials.Name,
			Email:        credentials.Email,
			AvatarURL:    credentials.AvatarURL,
			PasswordHash: credentials.PasswordHash,
			CreatedAt:    s.now().Unix(),
		}

		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketUsers).Put(dbUser.Key(), data); err != nil {
			return err
		}
		return tx.Bucket(bucketUsersEmail).Put([]byte(dbUser.Email), dbUser.Key())
	})
}

func (s *BboltStorage) GetCredentialsByEmail(email string) (auth.UserCredentials, error) {
	var creds auth.UserCredentials
	err := s.db.View(func(tx *bbolt.Tx) error {
		userID := tx.Bucket(bucketUsersEmail).Get([]byte(email))
		if userID == nil {
			return models.ErrNotFound
		}
		data := tx.Bucket(bucketUsers).Get(userID)
		if data == nil {
			return models.ErrNotFound
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		creds = auth.UserCredentials{
			User:         userFromDB(dbUser),
			PasswordHash: dbUser.PasswordHash,
		}
		return nil
	})
	return creds, err
}

func (s *BboltStorage) GetUser(id string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		user = userFromDB(dbUser)
		return nil
	})
	return user, err
}

// UpdateUserProfile updates the mutable profile fields of a user. Empty
// values keep the current ones.
func (s *BboltStorage) UpdateUserProfile(id, name, avatarURL string) (models.User, error) {
	var user models.User
	err := s.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		data := users.Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		if name != "" {
			dbUser.Name = name
		}
		if avatarURL != "" {
			dbUser.AvatarURL = avatarURL
		}
		newData, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		if err := users.Put(dbUser.Key(), newData); err != nil {
			return err
		}
		user = userFromDB(dbUser)
		return nil
	})
	return user, err
}

// SearchUsers returns users whose name or email contains the query,
// excluding the requesting user. An empty query matches nobody.
func (s *BboltStorage) SearchUsers(query, excludeID string) ([]models.User, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, nil
	}

	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbUser.ID == excludeID {
				return nil
			}
			if strings.Contains(strings.ToLower(dbUser.Name), query) ||
				strings.Contains(strings.ToLower(dbUser.Email), query) {
				users = append(users, userFromDB(dbUser))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Name < users[j].Name })
	return users, nil
}

// FindOrCreateDirectChat resolves the unique direct chat between two
// identities, creating it on first use. Repeated calls for the same pair,
// in either order, return the same chat.
func (s *BboltStorage) FindOrCreateDirectChat(identityA, identityB string) (models.Chat, error) {
	if identityA == "" || identityB == "" {
		return models.Chat{}, errors.New("both identities are required")
	}
	if identityA == identityB {
		return models.Chat{}, errors.New("direct chat requires two distinct identities")
	}

	pairKey := directPairKey(identityA, identityB)

	var chat models.Chat
	err := s.db.Update(func(tx *bbolt.Tx) error {
		index := tx.Bucket(bucketDirectIndex)
		chats := tx.Bucket(bucketChats)

		if chatID := index.Get(pairKey); chatID != nil {
			data := chats.Get(chatID)
			if data == nil {
				return fmt.Errorf("direct index points at missing chat %s", chatID)
			}
			var dbChat DBChat
			if err := dbChat.UnmarshalBinary(data); err != nil {
				return err
			}
			chat = chatFromDB(dbChat)
			return nil
		}

		members := []string{identityA, identityB}
		sort.Strings(members)
		dbChat := DBChat{
			ID:        uuid.NewString(),
			Kind:      string(models.ChatKindDirect),
			MemberIDs: members,
			CreatedAt: s.now().Unix(),
		}
		data, err := dbChat.MarshalBinary()
		if err != nil {
			return err
		}
		if err := chats.Put(dbChat.Key(), data); err != nil {
			return err
		}
		if err := index.Put(pairKey, dbChat.Key()); err != nil {
			return err
		}
		chat = chatFromDB(dbChat)
		return nil
	})
	return chat, err
}

// CreateGroupChat creates a named group chat. The creator is added to the
// member set and becomes the admin; the resulting set must have at least
// three members.
func (s *BboltStorage) CreateGroupChat(creatorID, name string, memberIDs []string) (models.Chat, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Chat{}, errors.New("group chat requires a name")
	}

	members := dedupeMembers(append(memberIDs, creatorID))
	if len(members) < 3 {
		return models.Chat{}, errors.New("group chat requires at least three members")
	}

	dbChat := DBChat{
		ID:        uuid.NewString(),
		Kind:      string(models.ChatKindGroup),
		Name:      name,
		MemberIDs: members,
		AdminID:   creatorID,
		CreatedAt: s.now().Unix(),
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		data, err := dbChat.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketChats).Put(dbChat.Key(), data)
	})
	if err != nil {
		return models.Chat{}, err
	}
	return chatFromDB(dbChat), nil
}

func (s *BboltStorage) GetChat(id string) (models.Chat, error) {
	var chat models.Chat
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketChats).Get([]byte(id))
		if data == nil {
			return models.ErrChatNotFound
		}
		var dbChat DBChat
		if err := dbChat.UnmarshalBinary(data); err != nil {
			return err
		}
		chat = chatFromDB(dbChat)
		return nil
	})
	return chat, err
}

// ListChats returns every chat the user is a member of.
func (s *BboltStorage) ListChats(userID string) ([]models.Chat, error) {
	var chats []models.Chat
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketChats).ForEach(func(k, v []byte) error {
			var dbChat DBChat
			if err := dbChat.UnmarshalBinary(v); err != nil {
				return err
			}
			for _, id := range dbChat.MemberIDs {
				if id == userID {
					chats = append(chats, chatFromDB(dbChat))
					break
				}
			}
			return nil
		})
	})
	return chats, err
}

// RenameChat renames a group chat.
func (s *BboltStorage) RenameChat(chatID, name string) (models.Chat, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Chat{}, errors.New("chat name is required")
	}
	return s.updateGroupChat(chatID, func(dbChat *DBChat) error {
		dbChat.Name = name
		return nil
	})
}

// AddChatMember adds an identity to a group chat. Idempotent.
func (s *BboltStorage) AddChatMember(chatID, userID string) (models.Chat, error) {
	return s.updateGroupChat(chatID, func(dbChat *DBChat) error {
		for _, id := range dbChat.MemberIDs {
			if id == userID {
				return nil
			}
		}
		dbChat.MemberIDs = append(dbChat.MemberIDs, userID)
		return nil
	})
}

// RemoveChatMember removes an identity from a group chat.
func (s *BboltStorage) RemoveChatMember(chatID, userID string) (models.Chat, error) {
	return s.updateGroupChat(chatID, func(dbChat *DBChat) error {
		for i, id := range dbChat.MemberIDs {
			if id == userID {
				dbChat.MemberIDs = append(dbChat.MemberIDs[:i], dbChat.MemberIDs[i+1:]...)
				return nil
			}
		}
		return nil
	})
}

func (s *BboltStorage) updateGroupChat(chatID string, mutate func(*DBChat) error) (models.Chat, error) {
	var chat models.Chat
	err := s.db.Update(func(tx *bbolt.Tx) error {
		chats := tx.Bucket(bucketChats)
		data := chats.Get([]byte(chatID))
		if data == nil {
			return models.ErrChatNotFound
		}
		var dbChat DBChat
		if err := dbChat.UnmarshalBinary(data); err != nil {
			return err
		}
		if dbChat.Kind != string(models.ChatKindGroup) {
			return errors.New("not a group chat")
		}
		if err := mutate(&dbChat); err != nil {
			return err
		}
		newData, err := dbChat.MarshalBinary()
		if err != nil {
			return err
		}
		if err := chats.Put(dbChat.Key(), newData); err != nil {
			return err
		}
		chat = chatFromDB(dbChat)
		return nil
	})
	return chat, err
}

// CreateMessage validates and persists a message, updating the chat's
// latest-message reference in the same transaction. Messages are immutable
// after this point.
func (s *BboltStorage) CreateMessage(senderID, chatID, content, html string) (models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return models.Message{}, models.ErrEmptyContent
	}

	now := s.now()
	dbMessage := DBMessage{
		ID:            uuid.NewString(),
		ChatID:        chatID,
		SenderID:      senderID,
		Content:       content,
		HTML:          html,
		CreatedAt:     now.Unix(),
		CreatedAtNano: now.UnixNano(),
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		chats := tx.Bucket(bucketChats)
		chatData := chats.Get([]byte(chatID))
		if chatData == nil {
			return models.ErrChatNotFound
		}
		var dbChat DBChat
		if err := dbChat.UnmarshalBinary(chatData); err != nil {
			return err
		}

		member := false
		for _, id := range dbChat.MemberIDs {
			if id == senderID {
				member = true
				break
			}
		}
		if !member {
			return errors.New("sender is not a member of the chat")
		}

		chatBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(chatID))
		if err != nil {
			return fmt.Errorf("failed to create chat bucket: %w", err)
		}
		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := chatBucket.Put(dbMessage.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		dbChat.LastMessageID = dbMessage.ID
		newChatData, err := dbChat.MarshalBinary()
		if err != nil {
			return err
		}
		return chats.Put(dbChat.Key(), newChatData)
	})
	if err != nil {
		return models.Message{}, err
	}
	return messageFromDB(dbMessage), nil
}

// ListMessages returns the chat's messages ordered by creation time.
func (s *BboltStorage) ListMessages(chatID string) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(chatID))
		if chatBucket == nil {
			return nil // No messages for this chat
		}
		return chatBucket.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, messageFromDB(dbMsg))
			return nil
		})
	})
	return messages, err
}

// MarkRead adds the user to the read-by set of the given messages.
func (s *BboltStorage) MarkRead(chatID string, messageIDs []string, userID string) error {
	wanted := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = struct{}{}
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(chatID))
		if chatBucket == nil {
			return models.ErrChatNotFound
		}

		c := chatBucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			if _, ok := wanted[dbMsg.ID]; !ok {
				continue
			}

			already := false
			for _, id := range dbMsg.ReadBy {
				if id == userID {
					already = true
					break
				}
			}
			if already {
				continue
			}

			dbMsg.ReadBy = append(dbMsg.ReadBy, userID)
			data, err := dbMsg.MarshalBinary()
			if err != nil {
				return err
			}
			if err := chatBucket.Put(k, data); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertPushSubscription stores a web-push subscription, keyed by endpoint
// under the user.
func (s *BboltStorage) UpsertPushSubscription(sub DBPushSubscription) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		userBucket, err := tx.Bucket(bucketPushSubs).CreateBucketIfNotExists([]byte(sub.UserID))
		if err != nil {
			return err
		}
		data, err := sub.MarshalBinary()
		if err != nil {
			return err
		}
		return userBucket.Put(sub.Key(), data)
	})
}

func (s *BboltStorage) ListPushSubscriptions(userID string) ([]DBPushSubscription, error) {
	var subs []DBPushSubscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		userBucket := tx.Bucket(bucketPushSubs).Bucket([]byte(userID))
		if userBucket == nil {
			return nil
		}
		return userBucket.ForEach(func(k, v []byte) error {
			var sub DBPushSubscription
			if err := sub.UnmarshalBinary(v); err != nil {
				return err
			}
			subs = append(subs, sub)
			return nil
		})
	})
	return subs, err
}

func (s *BboltStorage) DeletePushSubscription(userID, endpoint string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		userBucket := tx.Bucket(bucketPushSubs).Bucket([]byte(userID))
		if userBucket == nil {
			return nil
		}
		return userBucket.Delete([]byte(endpoint))
	})
}

// Helpers

func directPairKey(a, b string) []byte {
	ids := []string{a, b}
	sort.Strings(ids)
	return []byte(ids[0] + "|" + ids[1])
}

func dedupeMembers(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func userFromDB(u DBUser) models.User {
	return models.User{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		AvatarURL: u.AvatarURL,
	}
}

func chatFromDB(c DBChat) models.Chat {
	return models.Chat{
		ID:            c.ID,
		Kind:          models.ChatKind(c.Kind),
		Name:          c.Name,
		MemberIDs:     append([]string(nil), c.MemberIDs...),
		AdminID:       c.AdminID,
		LastMessageID: c.LastMessageID,
	}
}

func messageFromDB(m DBMessage) models.Message {
	return models.Message{
		ID:        m.ID,
		ChatID:    m.ChatID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		HTML:      m.HTML,
		CreatedAt: m.CreatedAt,
		ReadBy:    append([]string(nil), m.ReadBy...),
	}
}
