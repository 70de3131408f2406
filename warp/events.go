// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package warp

import (
	"github.com/luxfi/geth/common"
	ethtypes "github.com/luxfi/geth/core/types"

	"github.com/luxfi/bnpl/state"
)

// Event names
const (
	EventCollateralUpdated   = "CollateralUpdated"
	EventDebtChanged         = "DebtChanged"
	EventPaymentAuthorized   = "PaymentAuthorized"
	EventRepaid              = "Repaid"
	EventTrustedSenderSet    = "TrustedSenderSet"
	EventLTVSet              = "LTVSet"
	EventMessageAdmitted     = "MessageAdmitted"
	EventLiquidationStarted  = "LiquidationStarted"
	EventLiquidationSettled  = "LiquidationSettled"
	EventLiquidationAborted  = "LiquidationAborted"
	EventCollateralDeposited = "CollateralDeposited"
	EventCollateralWithdrawn = "CollateralWithdrawn"
	EventCollateralSeized    = "CollateralSeized"
)

const eventsABI = `[
  {"type":"event","name":"CollateralUpdated","anonymous":false,"inputs":[
    {"name":"user","type":"address","indexed":true},
    {"name":"originSelector","type":"uint64","indexed":false},
    {"name":"token","type":"address","indexed":false},
    {"name":"usdValue","type":"uint256","indexed":false},
    {"name":"aggregateUsd","type":"uint256","indexed":false}]},
  {"type":"event","name":"DebtChanged","anonymous":false,"inputs":[
    {"name":"user","type":"address","indexed":true},
    {"name":"previousDebt","type":"uint256","indexed":false},
    {"name":"newDebt","type":"uint256","indexed":false}]},
  {"type":"event","name":"PaymentAuthorized","anonymous":false,"inputs":[
    {"name":"user","type":"address","indexed":true},
    {"name":"merchant","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"Repaid","anonymous":false,"inputs":[
    {"name":"user","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"TrustedSenderSet","anonymous":false,"inputs":[
    {"name":"sender","type":"address","indexed":true},
    {"name":"originSelector","type":"uint64","indexed":false},
    {"name":"trusted","type":"bool","indexed":false}]},
  {"type":"event","name":"LTVSet","anonymous":false,"inputs":[
    {"name":"ltv","type":"uint256","indexed":false}]},
  {"type":"event","name":"MessageAdmitted","anonymous":false,"inputs":[
    {"name":"messageId","type":"bytes32","indexed":true},
    {"name":"originSelector","type":"uint64","indexed":false},
    {"name":"sender","type":"address","indexed":false},
    {"name":"nonce","type":"uint64","indexed":false}]},
  {"type":"event","name":"LiquidationStarted","anonymous":false,"inputs":[
    {"name":"user","type":"address","indexed":true},
    {"name":"liquidationId","type":"bytes32","indexed":true},
    {"name":"debt","type":"uint256","indexed":false},
    {"name":"target","type":"uint256","indexed":false}]},
  {"type":"event","name":"LiquidationSettled","anonymous":false,"inputs":[
    {"name":"user","type":"address","indexed":true},
    {"name":"liquidationId","type":"bytes32","indexed":true},
    {"name":"seizedUsd","type":"uint256","indexed":false},
    {"name":"shortfall","type":"uint256","indexed":false}]},
  {"type":"event","name":"LiquidationAborted","anonymous":false,"inputs":[
    {"name":"user","type":"address","indexed":true},
    {"name":"liquidationId","type":"bytes32","indexed":true},
    {"name":"outstanding","type":"uint64","indexed":false}]},
  {"type":"event","name":"CollateralDeposited","anonymous":false,"inputs":[
    {"name":"user","type":"address","indexed":true},
    {"name":"token","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"totalUsd","type":"uint256","indexed":false}]},
  {"type":"event","name":"CollateralWithdrawn","anonymous":false,"inputs":[
    {"name":"user","type":"address","indexed":true},
    {"name":"token","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"totalUsd","type":"uint256","indexed":false}]},
  {"type":"event","name":"CollateralSeized","anonymous":false,"inputs":[
    {"name":"user","type":"address","indexed":true},
    {"name":"token","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"usdValue","type":"uint256","indexed":false}]}
]`

var EventsABI = ParseABI(eventsABI)

// EmitEvent packs the named event and appends it to the state's logs under
// addr. Argument order follows the event declaration.
func EmitEvent(stateDB state.StateDB, addr common.Address, name string, args ...interface{}) error {
	topics, data, err := EventsABI.PackEvent(name, args...)
	if err != nil {
		return err
	}
	stateDB.AddLog(&ethtypes.Log{
		Address:     addr,
		Topics:      topics,
		Data:        data,
		BlockNumber: stateDB.GetBlockNumber(),
	})
	return nil
}
