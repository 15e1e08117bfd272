package aws

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/samber/lo"

	"github.com/yairfalse/posture/internal/account"
	"github.com/yairfalse/posture/internal/checker"
	"github.com/yairfalse/posture/pkg/resource"
)

// TypeIAMUser is the resource type of IAM users. IAM is global: users are
// checked once, not per region.
const TypeIAMUser = "iam_user"

// UserRecord is one GetUser response with the credentials read for the user.
type UserRecord struct {
	User *iamtypes.User
	// LoginProfile is nil when the user has no console password.
	LoginProfile *iamtypes.LoginProfile
	MFADevices   []iamtypes.MFADevice
	AccessKeys   []iamtypes.AccessKeyMetadata
}

// User is an IAM user, identified by user name.
type User struct {
	resource.Identity

	UserID     string `json:"user_id"`
	MFADevices int    `json:"mfa_devices"`
	ActiveKeys int    `json:"active_keys"`

	ConsoleAccess bool `json:"console_access"`
	MFAEnabled    bool `json:"mfa_enabled"`
}

// UserKind fetches and normalizes IAM users.
type UserKind struct{}

// Name returns the resource type.
func (UserKind) Name() string { return TypeIAMUser }

// Fetch lists user names, or uses ids, and reads each user's console,
// MFA and access key state.
func (UserKind) Fetch(ctx context.Context, acct *account.Account, ids []string) iter.Seq2[UserRecord, error] {
	return func(yield func(UserRecord, error) bool) {
		client := iamClient(acct)

		names := ids
		if len(names) == 0 {
			var err error
			names, err = listUsers(ctx, acct, client)
			if err != nil {
				yield(UserRecord{}, err)
				return
			}
		}

		describeEach(ctx, TypeIAMUser, names,
			func(ctx context.Context, name string) (UserRecord, bool, error) {
				return describeUser(ctx, acct, client, name)
			},
			yield,
		)
	}
}

func listUsers(ctx context.Context, acct *account.Account, client IAMAPI) ([]string, error) {
	var names []string
	var marker *string

	for {
		out, err := account.Call(ctx, acct, ServiceIAM, "ListUsers", func(ctx context.Context) (*iam.ListUsersOutput, error) {
			return client.ListUsers(ctx, &iam.ListUsersInput{Marker: marker})
		})
		if err != nil {
			return nil, err
		}
		for _, u := range out.Users {
			names = append(names, aws.ToString(u.UserName))
		}

		if !out.IsTruncated || out.Marker == nil {
			break
		}
		marker = out.Marker
	}

	return names, nil
}

func describeUser(ctx context.Context, acct *account.Account, client IAMAPI, name string) (UserRecord, bool, error) {
	user := aws.String(name)

	out, err := account.Call(ctx, acct, ServiceIAM, "GetUser", func(ctx context.Context) (*iam.GetUserOutput, error) {
		return client.GetUser(ctx, &iam.GetUserInput{UserName: user})
	})
	if err != nil {
		return userGone(err)
	}
	rec := UserRecord{User: out.User}

	profile, err := account.Call(ctx, acct, ServiceIAM, "GetLoginProfile", func(ctx context.Context) (*iam.GetLoginProfileOutput, error) {
		return client.GetLoginProfile(ctx, &iam.GetLoginProfileInput{UserName: user})
	})
	switch {
	case err == nil:
		rec.LoginProfile = profile.LoginProfile
	case !isNoSuchEntity(err):
		return UserRecord{}, false, err
	}

	var marker *string
	for {
		mfa, err := account.Call(ctx, acct, ServiceIAM, "ListMFADevices", func(ctx context.Context) (*iam.ListMFADevicesOutput, error) {
			return client.ListMFADevices(ctx, &iam.ListMFADevicesInput{UserName: user, Marker: marker})
		})
		if err != nil {
			return userGone(err)
		}
		rec.MFADevices = append(rec.MFADevices, mfa.MFADevices...)
		if !mfa.IsTruncated || mfa.Marker == nil {
			break
		}
		marker = mfa.Marker
	}

	marker = nil
	for {
		keys, err := account.Call(ctx, acct, ServiceIAM, "ListAccessKeys", func(ctx context.Context) (*iam.ListAccessKeysOutput, error) {
			return client.ListAccessKeys(ctx, &iam.ListAccessKeysInput{UserName: user, Marker: marker})
		})
		if err != nil {
			return userGone(err)
		}
		rec.AccessKeys = append(rec.AccessKeys, keys.AccessKeyMetadata...)
		if !keys.IsTruncated || keys.Marker == nil {
			break
		}
		marker = keys.Marker
	}

	return rec, true, nil
}

func isNoSuchEntity(err error) bool {
	var notFound *iamtypes.NoSuchEntityException
	return errors.As(err, &notFound)
}

// userGone turns a user deleted mid-check into not-found.
func userGone(err error) (UserRecord, bool, error) {
	if isNoSuchEntity(err) {
		return UserRecord{}, false, nil
	}
	return UserRecord{}, false, err
}

// Normalize converts a user record.
func (UserKind) Normalize(raw UserRecord) (User, error) {
	u := raw.User
	if u == nil || aws.ToString(u.UserName) == "" {
		return User{}, fmt.Errorf("user without name: %w", checker.ErrMalformedRecord)
	}

	name := aws.ToString(u.UserName)
	out := User{
		Identity:      resource.NewIdentity(name, TypeIAMUser, name, aws.ToString(u.Arn), ""),
		UserID:        aws.ToString(u.UserId),
		MFADevices:    len(raw.MFADevices),
		ConsoleAccess: raw.LoginProfile != nil,
		MFAEnabled:    len(raw.MFADevices) > 0,
		ActiveKeys: lo.CountBy(raw.AccessKeys, func(k iamtypes.AccessKeyMetadata) bool {
			return k.Status == iamtypes.StatusTypeActive
		}),
	}
	for _, t := range u.Tags {
		out.Tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}

	return out, nil
}

// IAMChecker checks IAM users.
type IAMChecker struct {
	*checker.Checker[UserRecord, User]
}

// NewIAMChecker creates an IAMChecker borrowing acct.
func NewIAMChecker(acct *account.Account) *IAMChecker {
	return &IAMChecker{checker.New[UserRecord, User](acct, UserKind{})}
}

// Users returns the users of the latest successful check.
func (c *IAMChecker) Users() []User {
	return c.Snapshot().All()
}
