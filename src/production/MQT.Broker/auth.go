package broker

import (
	"context"

	credentials "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Credentials"
	mqtmodels "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Repository/Interfaces"
	topics "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Topics"
)

// AuthChecker answers broker auth plugin queries from stored device credentials
type AuthChecker struct {
	store interfaces.SystemStore
}

func NewAuthChecker(store interfaces.SystemStore) *AuthChecker {
	return &AuthChecker{store: store}
}

// CheckUser reports whether username/password belong to a provisioned device.
// A non-empty clientID must equal the device id.
func (a *AuthChecker) CheckUser(ctx context.Context, username, password, clientID string) (bool, error) {
	accounts, err := a.store.FindBrokerAccounts(ctx, username)
	if err != nil {
		return false, err
	}
	for _, account := range accounts {
		if clientID != "" && account.DeviceID != clientID {
			continue
		}
		if credentials.VerifyPassword(password, account.PasswordHash) {
			return true, nil
		}
	}
	return false, nil
}

// CheckACL reports whether the device behind username may access topic
func (a *AuthChecker) CheckACL(ctx context.Context, username, clientID, topic string, access topics.Access) (bool, error) {
	accounts, err := a.store.FindBrokerAccounts(ctx, username)
	if err != nil {
		return false, err
	}
	account, ok := pickAccount(accounts, clientID)
	if !ok {
		return false, nil
	}
	return topics.For(account.OwnerID, account.DeviceID).Allows(topic, access), nil
}

// pickAccount resolves which device a broker session belongs to. Without a
// client id only an unambiguous username is accepted.
func pickAccount(accounts []mqtmodels.BrokerAccount, clientID string) (mqtmodels.BrokerAccount, bool) {
	if clientID != "" {
		for _, account := range accounts {
			if account.DeviceID == clientID {
				return account, true
			}
		}
		return mqtmodels.BrokerAccount{}, false
	}
	if len(accounts) == 1 {
		return accounts[0], true
	}
	return mqtmodels.BrokerAccount{}, false
}
