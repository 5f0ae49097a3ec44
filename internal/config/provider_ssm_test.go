package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

type fakeSSM struct {
	values  map[string]string
	batches [][]string
	err     error
}

func (f *fakeSSM) GetParameters(_ context.Context, in *ssm.GetParametersInput, _ ...func(*ssm.Options)) (*ssm.GetParametersOutput, error) {
	f.batches = append(f.batches, in.Names)
	if f.err != nil {
		return nil, f.err
	}
	out := &ssm.GetParametersOutput{}
	for _, name := range in.Names {
		if v, ok := f.values[name]; ok {
			out.Parameters = append(out.Parameters, ssmtypes.Parameter{Name: aws.String(name), Value: aws.String(v)})
		} else {
			out.InvalidParameters = append(out.InvalidParameters, name)
		}
	}
	return out, nil
}

func TestSSMProviderBatchesRequests(t *testing.T) {
	fake := &fakeSSM{values: map[string]string{}}
	keys := make([]string, 23)
	for i := range keys {
		keys[i] = fmt.Sprintf("/prod/journal/p%02d", i)
		fake.values[keys[i]] = fmt.Sprintf("v%d", i)
	}

	got, err := newSSMProviderWithClient("eu-central-1", fake).GetParametersBatch(context.Background(), keys)
	if err != nil {
		t.Fatalf("GetParametersBatch: %v", err)
	}
	if len(got) != 23 {
		t.Errorf("resolved %d, want 23", len(got))
	}
	if len(fake.batches) != 3 || len(fake.batches[2]) != 3 {
		t.Errorf("batch sizes wrong: %d batches", len(fake.batches))
	}
}

func TestSSMProviderInvalidParameter(t *testing.T) {
	fake := &fakeSSM{values: map[string]string{"/a": "1"}}
	_, err := newSSMProviderWithClient("eu-central-1", fake).GetParametersBatch(context.Background(), []string{"/a", "/b"})
	if err == nil {
		t.Fatal("expected error for missing parameter")
	}
}

func TestSSMProviderClientError(t *testing.T) {
	boom := errors.New("AccessDenied")
	_, err := newSSMProviderWithClient("eu-central-1", &fakeSSM{err: boom}).GetParametersBatch(context.Background(), []string{"/a"})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestSSMProviderCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fake := &fakeSSM{values: map[string]string{"/a": "1"}}
	if _, err := newSSMProviderWithClient("eu-central-1", fake).GetParametersBatch(ctx, []string{"/a"}); err == nil {
		t.Fatal("expected cancellation error")
	}
	if len(fake.batches) != 0 {
		t.Error("no request should be sent after cancellation")
	}
}

func TestSSMProviderEmptyKeys(t *testing.T) {
	got, err := NewSSMProvider("eu-central-1").GetParametersBatch(context.Background(), nil)
	if err != nil || got == nil || len(got) != 0 {
		t.Fatalf("got %v, %v", got, err)
	}
}

func TestEnvVarProvider(t *testing.T) {
	t.Setenv("JOURNAL_TEST_SECRET", "s3cret")
	os.Unsetenv("JOURNAL_TEST_ABSENT")

	got, err := NewEnvVarProvider().GetParametersBatch(context.Background(), []string{"JOURNAL_TEST_SECRET", "JOURNAL_TEST_ABSENT"})
	if err != nil {
		t.Fatal(err)
	}
	if got["JOURNAL_TEST_SECRET"] != "s3cret" {
		t.Errorf("got %v", got)
	}
	if _, ok := got["JOURNAL_TEST_ABSENT"]; ok {
		t.Error("absent keys must be omitted")
	}
}

func TestNewSecretProvider(t *testing.T) {
	if _, ok := NewSecretProvider("env", "us-east-1").(*EnvVarProvider); !ok {
		t.Error(`"env" must select EnvVarProvider`)
	}
	for _, kind := range []string{"", "ssm"} {
		if _, ok := NewSecretProvider(kind, "us-east-1").(*SSMProvider); !ok {
			t.Errorf("%q must select SSMProvider", kind)
		}
	}
}
