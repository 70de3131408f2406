// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package warp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/accounts/abi"
	"github.com/luxfi/geth/common"
)

var ErrShortInput = errors.New("input shorter than method selector")

// ExtendedABI wraps the standard ABI with the packing helpers used by
// message codecs, event emission and contract dispatch.
type ExtendedABI struct {
	abi.ABI
}

// ParseABI parses the raw ABI JSON and returns an ExtendedABI. It panics on
// malformed JSON, so call it only on compile-time constants.
func ParseABI(rawABI string) ExtendedABI {
	parsed, err := abi.JSON(strings.NewReader(rawABI))
	if err != nil {
		panic(fmt.Sprintf("failed to parse ABI: %v", err))
	}
	return ExtendedABI{ABI: parsed}
}

// PackOutput packs args as the output of method name. No method id.
func (e ExtendedABI) PackOutput(name string, args ...interface{}) ([]byte, error) {
	method, exist := e.Methods[name]
	if !exist {
		return nil, fmt.Errorf("method '%s' not found", name)
	}
	return method.Outputs.Pack(args...)
}

// UnpackInput unpacks calldata (without method id) for method name.
// useStrictMode rejects input that is not a whole number of words.
func (e ExtendedABI) UnpackInput(name string, data []byte, useStrictMode bool) ([]interface{}, error) {
	method, exist := e.Methods[name]
	if !exist {
		return nil, fmt.Errorf("method '%s' not found", name)
	}
	if useStrictMode && len(data)%32 != 0 {
		return nil, fmt.Errorf("abi: improperly formatted input: %x", data)
	}
	return method.Inputs.Unpack(data)
}

// MethodFor resolves the method addressed by the first four bytes of input
// and returns it with the remaining argument bytes.
func (e ExtendedABI) MethodFor(input []byte) (*abi.Method, []byte, error) {
	if len(input) < 4 {
		return nil, nil, ErrShortInput
	}
	method, err := e.MethodById(input[:4])
	if err != nil {
		return nil, nil, err
	}
	return method, input[4:], nil
}

// PackEvent packs the given event name and arguments to conform the ABI.
// Returns the topics for the event and the packed data of non-indexed args.
func (e ExtendedABI) PackEvent(name string, args ...interface{}) ([]common.Hash, []byte, error) {
	event, exist := e.Events[name]
	if !exist {
		return nil, nil, fmt.Errorf("event '%s' not found", name)
	}
	if len(args) != len(event.Inputs) {
		return nil, nil, fmt.Errorf("event '%s' unexpected number of inputs %d", name, len(args))
	}

	var (
		nonIndexedInputs = make([]interface{}, 0)
		indexedInputs    = make([]interface{}, 0)
		nonIndexedArgs   abi.Arguments
	)

	for i, arg := range event.Inputs {
		if arg.Indexed {
			indexedInputs = append(indexedInputs, args[i])
		} else {
			nonIndexedArgs = append(nonIndexedArgs, arg)
			nonIndexedInputs = append(nonIndexedInputs, args[i])
		}
	}

	packedArguments, err := nonIndexedArgs.Pack(nonIndexedInputs...)
	if err != nil {
		return nil, nil, err
	}

	topics := make([]common.Hash, 0, len(indexedInputs)+1)
	if !event.Anonymous {
		topics = append(topics, event.ID)
	}
	for _, input := range indexedInputs {
		topic, err := packTopic(input)
		if err != nil {
			return nil, nil, err
		}
		topics = append(topics, topic)
	}

	return topics, packedArguments, nil
}

func packTopic(value interface{}) (common.Hash, error) {
	switch v := value.(type) {
	case common.Address:
		return common.BytesToHash(v.Bytes()), nil
	case common.Hash:
		return v, nil
	case []byte:
		return common.BytesToHash(crypto.Keccak256(v)), nil
	case string:
		return common.BytesToHash(crypto.Keccak256([]byte(v))), nil
	default:
		return common.Hash{}, fmt.Errorf("unsupported indexed type: %T", value)
	}
}
