package main

import (
	"slices"
	"time"

	"github.com/nats-io/jwt/v2"

	"github.com/example/nats-chat-sync/pkg/persist"
	"github.com/example/nats-chat-sync/pkg/store/natskv"
)

const responseWindow = 5 * time.Minute

var syncBuckets = []string{
	natskv.BucketPresence,
	natskv.BucketConnections,
	natskv.BucketNotifications,
	natskv.BucketTyping,
	natskv.BucketDefault,
	natskv.BucketLeases,
	natskv.BucketHooks,
}

// ownedBuckets are only readable under the user's own key prefix. Session
// ids start with the user's key token, see natskv.UserSessionID.
var ownedBuckets = map[string]bool{
	natskv.BucketConnections:   true,
	natskv.BucketNotifications: true,
	natskv.BucketLeases:        true,
	natskv.BucketHooks:         true,
}

// kvWrites returns the key patterns userID may write in each bucket. Inboxes
// of other users and membership markers are written by senders.
func kvWrites(userID string) map[string]string {
	u := natskv.KeyToken(userID)
	return map[string]string{
		natskv.BucketPresence:      u,
		natskv.BucketConnections:   u + ".>",
		natskv.BucketNotifications: "*.>",
		natskv.BucketTyping:        "*." + u,
		natskv.BucketDefault:       ">",
		natskv.BucketLeases:        u + ".>",
		natskv.BucketHooks:         u + ".>",
	}
}

// kvSubjects returns the JetStream API and key subjects userID needs to
// read, and with write set also to update, the sync buckets. Reads are
// scoped through the direct-get subject and the consumer filter subject.
func kvSubjects(userID string, write bool) jwt.StringList {
	u := natskv.KeyToken(userID)
	writes := kvWrites(userID)
	subjects := jwt.StringList{"$JS.API.INFO"}
	for _, b := range syncBuckets {
		stream := "KV_" + b
		keys := ">"
		if ownedBuckets[b] {
			keys = u + ".>"
		}
		subjects = append(subjects,
			"$JS.API.STREAM.INFO."+stream,
			"$JS.API.DIRECT.GET."+stream+".$KV."+b+"."+keys,
			"$JS.API.CONSUMER.CREATE."+stream+".*.$KV."+b+"."+keys,
			"$JS.API.CONSUMER.DELETE."+stream+".>",
		)
		if write {
			subjects = append(subjects, "$KV."+b+"."+writes[b])
		}
	}
	return subjects
}

func userResponses() *jwt.ResponsePermission {
	return &jwt.ResponsePermission{MaxMsgs: 1, Expires: responseWindow}
}

// mapPermissions converts Keycloak realm roles into NATS permissions for
// userID.
func mapPermissions(userID string, roles []string) jwt.Permissions {
	perms := jwt.Permissions{
		Sub:  jwt.Permission{Allow: jwt.StringList{"_INBOX.>"}},
		Resp: userResponses(),
	}

	switch {
	case slices.Contains(roles, "admin"):
		perms.Pub.Allow = jwt.StringList{"persist.>", "presence.query", "$JS.API.>", "$KV.>", "_INBOX.>"}
	case slices.Contains(roles, "user"):
		perms.Pub.Allow = append(jwt.StringList{
			persist.SubjectCreateMessage,
			persist.SubjectParticipants,
			persist.SubjectConversation,
			persist.SubjectToggleReaction,
			persist.SubjectCreateConv,
			"presence.query",
			"_INBOX.>",
		}, kvSubjects(userID, true)...)
	default:
		// Unrecognized roles may only observe.
		perms.Pub.Allow = append(jwt.StringList{
			persist.SubjectParticipants,
			persist.SubjectConversation,
			"presence.query",
			"_INBOX.>",
		}, kvSubjects(userID, false)...)
	}
	return perms
}

// servicePermissions returns broad permissions for backend service accounts.
func servicePermissions() jwt.Permissions {
	return jwt.Permissions{
		Pub: jwt.Permission{Allow: jwt.StringList{">"}},
		Sub: jwt.Permission{Allow: jwt.StringList{">"}},
		Resp: &jwt.ResponsePermission{
			MaxMsgs: -1,
			Expires: responseWindow,
		},
	}
}
