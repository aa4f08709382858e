package auth

import (
	"context"
	"strings"
)

// Anonymous 是未携带身份时使用的用户 ID。
const Anonymous = "anonymous"

// HeaderUserID 是网关写入调用方身份的请求头。
const HeaderUserID = "X-User-ID"

// Subject 描述一次请求的调用方。
type Subject struct {
	UserID string
}

// subjectKey 是上下文中存储 Subject 的键类型。
type subjectKey struct{}

// WithSubject 将调用方信息存储到上下文中。
func WithSubject(ctx context.Context, subject Subject) context.Context {
	subject.UserID = normaliseUserID(subject.UserID)
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 从上下文中提取调用方，未设置时返回匿名用户。
func SubjectFromContext(ctx context.Context) Subject {
	if ctx != nil {
		if subject, ok := ctx.Value(subjectKey{}).(Subject); ok {
			return subject
		}
	}
	return Subject{UserID: Anonymous}
}

// UserID 是 SubjectFromContext(ctx).UserID 的简写。
func UserID(ctx context.Context) string {
	return SubjectFromContext(ctx).UserID
}

func normaliseUserID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return Anonymous
	}
	return id
}
