package aws

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/samber/lo"

	"github.com/yairfalse/posture/internal/account"
	"github.com/yairfalse/posture/internal/checker"
	"github.com/yairfalse/posture/pkg/resource"
)

// TypeLambdaFunction is the resource type of Lambda functions.
const TypeLambdaFunction = "lambda_function"

// deprecatedRuntimes no longer receive security patches.
var deprecatedRuntimes = []string{
	"nodejs12.x", "nodejs14.x", "nodejs16.x",
	"python3.6", "python3.7", "python3.8",
	"java8", "go1.x", "ruby2.7",
	"dotnetcore3.1", "dotnet6",
}

// FunctionRecord is one GetFunction response plus the function URL
// configuration, nil when the function has no URL.
type FunctionRecord struct {
	Region        string
	Configuration *lambdatypes.FunctionConfiguration
	Tags          map[string]string
	URL           *lambda.GetFunctionUrlConfigOutput
}

// Function is a Lambda function, identified by name.
type Function struct {
	resource.Identity

	Runtime  string `json:"runtime"`
	Role     string `json:"role"`
	URL      string `json:"url,omitempty"`
	URLAuth  string `json:"url_auth,omitempty"`
	KMSKeyID string `json:"kms_key_id"`

	// PublicURL is true when the function URL accepts unauthenticated calls.
	PublicURL         bool `json:"public_url"`
	DeprecatedRuntime bool `json:"deprecated_runtime"`
	Tracing           bool `json:"tracing"`
}

// FunctionKind fetches and normalizes Lambda functions.
type FunctionKind struct{}

// Name returns the resource type.
func (FunctionKind) Name() string { return TypeLambdaFunction }

// Fetch lists function names, or uses ids, and reads each function with its
// URL configuration.
func (FunctionKind) Fetch(ctx context.Context, acct *account.Account, ids []string) iter.Seq2[FunctionRecord, error] {
	return func(yield func(FunctionRecord, error) bool) {
		client := lambdaClient(acct)

		names := ids
		if len(names) == 0 {
			var err error
			names, err = listFunctions(ctx, acct, client)
			if err != nil {
				yield(FunctionRecord{}, err)
				return
			}
		}

		describeEach(ctx, TypeLambdaFunction, names,
			func(ctx context.Context, name string) (FunctionRecord, bool, error) {
				return getFunction(ctx, acct, client, name)
			},
			yield,
		)
	}
}

func listFunctions(ctx context.Context, acct *account.Account, client LambdaAPI) ([]string, error) {
	var names []string
	var marker *string

	for {
		out, err := account.Call(ctx, acct, ServiceLambda, "ListFunctions", func(ctx context.Context) (*lambda.ListFunctionsOutput, error) {
			return client.ListFunctions(ctx, &lambda.ListFunctionsInput{Marker: marker})
		})
		if err != nil {
			return nil, err
		}
		for _, fn := range out.Functions {
			names = append(names, aws.ToString(fn.FunctionName))
		}

		if out.NextMarker == nil {
			break
		}
		marker = out.NextMarker
	}

	return names, nil
}

func getFunction(ctx context.Context, acct *account.Account, client LambdaAPI, name string) (FunctionRecord, bool, error) {
	out, err := account.Call(ctx, acct, ServiceLambda, "GetFunction", func(ctx context.Context) (*lambda.GetFunctionOutput, error) {
		return client.GetFunction(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(name)})
	})
	if err != nil {
		if isLambdaNotFound(err) {
			return FunctionRecord{}, false, nil
		}
		return FunctionRecord{}, false, err
	}

	rec := FunctionRecord{Region: acct.Region(), Configuration: out.Configuration, Tags: out.Tags}

	rec.URL, err = account.Call(ctx, acct, ServiceLambda, "GetFunctionUrlConfig", func(ctx context.Context) (*lambda.GetFunctionUrlConfigOutput, error) {
		return client.GetFunctionUrlConfig(ctx, &lambda.GetFunctionUrlConfigInput{FunctionName: aws.String(name)})
	})
	if err != nil {
		if !isLambdaNotFound(err) {
			return FunctionRecord{}, false, err
		}
		rec.URL = nil
	}

	return rec, true, nil
}

func isLambdaNotFound(err error) bool {
	var notFound *lambdatypes.ResourceNotFoundException
	return errors.As(err, &notFound)
}

// Normalize converts a function record.
func (FunctionKind) Normalize(raw FunctionRecord) (Function, error) {
	cfg := raw.Configuration
	if cfg == nil || aws.ToString(cfg.FunctionName) == "" {
		return Function{}, fmt.Errorf("function without name: %w", checker.ErrMalformedRecord)
	}

	name := aws.ToString(cfg.FunctionName)
	out := Function{
		Identity: resource.NewIdentity(name, TypeLambdaFunction, name, aws.ToString(cfg.FunctionArn), raw.Region),
		Runtime:  string(cfg.Runtime),
		Role:     aws.ToString(cfg.Role),
		KMSKeyID: aws.ToString(cfg.KMSKeyArn),
	}
	maps.Copy(out.Tags, raw.Tags)

	out.DeprecatedRuntime = lo.Contains(deprecatedRuntimes, out.Runtime)
	if cfg.TracingConfig != nil {
		out.Tracing = cfg.TracingConfig.Mode == lambdatypes.TracingModeActive
	}

	if raw.URL != nil {
		out.URL = aws.ToString(raw.URL.FunctionUrl)
		out.URLAuth = string(raw.URL.AuthType)
		out.PublicURL = raw.URL.AuthType == lambdatypes.FunctionUrlAuthTypeNone
	}

	return out, nil
}

// LambdaChecker checks Lambda functions.
type LambdaChecker struct {
	*checker.Checker[FunctionRecord, Function]
}

// NewLambdaChecker creates a LambdaChecker borrowing acct.
func NewLambdaChecker(acct *account.Account) *LambdaChecker {
	return &LambdaChecker{checker.New[FunctionRecord, Function](acct, FunctionKind{})}
}

// Functions returns the functions of the latest successful check.
func (c *LambdaChecker) Functions() []Function {
	return c.Snapshot().All()
}
