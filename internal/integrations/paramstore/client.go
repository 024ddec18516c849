// Package paramstore stores settings as AWS SSM parameters under a path
// prefix.
package paramstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// deleteBatchSize is the DeleteParameters limit.
const deleteBatchSize = 10

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, in *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
	DeleteParameter(ctx context.Context, in *ssm.DeleteParameterInput, optFns ...func(*ssm.Options)) (*ssm.DeleteParameterOutput, error)
	DeleteParameters(ctx context.Context, in *ssm.DeleteParametersInput, optFns ...func(*ssm.Options)) (*ssm.DeleteParametersOutput, error)
	GetParametersByPath(ctx context.Context, in *ssm.GetParametersByPathInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error)
}

// Client is a key-value store over SSM. Every key maps to the parameter
// "<prefix>/<key>", written as a SecureString since provider settings may
// carry an API key.
type Client struct {
	api    ssmAPI
	prefix string
}

// New creates a Client with the given SSM API implementation and path
// prefix, e.g. "/relaychat/settings".
func New(api ssmAPI, prefix string) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	prefix = "/" + strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "/" {
		return nil, errors.New("paramstore: prefix must not be empty")
	}
	return &Client{api: api, prefix: prefix}, nil
}

func (c *Client) name(key string) (string, error) {
	key = strings.Trim(strings.TrimSpace(key), "/")
	if key == "" {
		return "", errors.New("paramstore: key is required")
	}
	return c.prefix + "/" + key, nil
}

func isNotFound(err error) bool {
	var nf *types.ParameterNotFound
	return errors.As(err, &nf)
}

// Get returns the value stored under key. A missing parameter reports false
// with no error.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	name, err := c.name(key)
	if err != nil {
		return "", false, err
	}

	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		if isNotFound(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", false, errors.New("paramstore: parameter missing value")
	}
	return *out.Parameter.Value, true, nil
}

// Set writes value under key, overwriting any previous version. SSM rejects
// empty values, so an empty value is an error.
func (c *Client) Set(ctx context.Context, key, value string) error {
	name, err := c.name(key)
	if err != nil {
		return err
	}
	if value == "" {
		return fmt.Errorf("paramstore: value for %q must not be empty", name)
	}

	_, err = c.api.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(name),
		Value:     aws.String(value),
		Type:      types.ParameterTypeSecureString,
		Overwrite: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("paramstore: put parameter %q: %w", name, err)
	}
	return nil
}

// Remove deletes key. Removing a missing key is not an error.
func (c *Client) Remove(ctx context.Context, key string) error {
	name, err := c.name(key)
	if err != nil {
		return err
	}
	_, err = c.api.DeleteParameter(ctx, &ssm.DeleteParameterInput{Name: aws.String(name)})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("paramstore: delete parameter %q: %w", name, err)
	}
	return nil
}

// Keys lists the keys directly under the prefix, sorted.
func (c *Client) Keys(ctx context.Context) ([]string, error) {
	names, err := c.names(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(names))
	for _, n := range names {
		keys = append(keys, strings.TrimPrefix(n, c.prefix+"/"))
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *Client) names(ctx context.Context) ([]string, error) {
	p := ssm.NewGetParametersByPathPaginator(c.api, &ssm.GetParametersByPathInput{
		Path:      aws.String(c.prefix),
		Recursive: aws.Bool(false),
	})
	var names []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("paramstore: list parameters under %q: %w", c.prefix, err)
		}
		for _, param := range page.Parameters {
			if param.Name != nil {
				names = append(names, *param.Name)
			}
		}
	}
	return names, nil
}

// Clear deletes every parameter under the prefix.
func (c *Client) Clear(ctx context.Context) error {
	names, err := c.names(ctx)
	if err != nil {
		return err
	}
	for start := 0; start < len(names); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(names))
		if _, err := c.api.DeleteParameters(ctx, &ssm.DeleteParametersInput{Names: names[start:end]}); err != nil {
			return fmt.Errorf("paramstore: delete parameters: %w", err)
		}
	}
	return nil
}
