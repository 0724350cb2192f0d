package config

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

type SSMClient interface {
	GetParametersByPath(ctx context.Context, params *ssm.GetParametersByPathInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error)
}

// SSMLookup reads every parameter directly under prefix (e.g. /fx-ingest/prod)
// and exposes them by upper-cased base name, so /fx-ingest/prod/source_url
// answers SOURCE_URL. SecureString values are decrypted.
func SSMLookup(ctx context.Context, c SSMClient, prefix string) (LookupFunc, error) {
	prefix = "/" + strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "/" {
		return nil, fmt.Errorf("empty ssm path")
	}

	values := map[string]string{}
	var nextToken *string
	for {
		out, err := c.GetParametersByPath(ctx, &ssm.GetParametersByPathInput{
			Path:           aws.String(prefix),
			Recursive:      aws.Bool(false),
			WithDecryption: aws.Bool(true),
			NextToken:      nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("ssm GetParametersByPath %s: %w", prefix, err)
		}
		for _, p := range out.Parameters {
			name := strings.ToUpper(path.Base(aws.ToString(p.Name)))
			values[name] = aws.ToString(p.Value)
		}
		if out.NextToken == nil || aws.ToString(out.NextToken) == "" {
			break
		}
		nextToken = out.NextToken
	}

	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}, nil
}
