package internal

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"evcharge/internal/config"
	"evcharge/models"
)

const (
	collectionLog             = "sys_log"
	collectionMessageLog      = "message_log"
	collectionUserTags        = "user_tags"
	collectionChargePoints    = "charge_points"
	collectionConnectors      = "connectors"
	collectionTransactions    = "transactions"
	collectionWallets         = "wallets"
	collectionWalletTxs       = "wallet_transactions"
	collectionTariffs         = "tariffs"
	collectionFirmwareUpdates = "firmware_updates"
	collectionSubscriptions   = "subscriptions"
)

type MongoDB struct {
	ctx           context.Context
	clientOptions *options.ClientOptions
	database      string
}

func NewMongoClient(conf *config.Config) (*MongoDB, error) {
	if !conf.Mongo.Enabled {
		return nil, nil
	}
	connectionUri := fmt.Sprintf("mongodb://%s:%s", conf.Mongo.Host, conf.Mongo.Port)
	clientOptions := options.Client().ApplyURI(connectionUri)
	if conf.Mongo.User != "" {
		clientOptions.SetAuth(options.Credential{
			Username:   conf.Mongo.User,
			Password:   conf.Mongo.Password,
			AuthSource: conf.Mongo.Database,
		})
	}
	client := &MongoDB{
		ctx:           context.Background(),
		clientOptions: clientOptions,
		database:      conf.Mongo.Database,
	}
	return client, nil
}

func (m *MongoDB) connect() (*mongo.Client, error) {
	connection, err := mongo.Connect(m.ctx, m.clientOptions)
	if err != nil {
		return nil, err
	}
	return connection, nil
}

func (m *MongoDB) disconnect(connection *mongo.Client) {
	err := connection.Disconnect(m.ctx)
	if err != nil {
		log.Println("mongodb disconnect error;", err)
	}
}

func (m *MongoDB) WriteLogMessage(data Data) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)
	collection := connection.Database(m.database).Collection(collectionLog)
	_, err = collection.InsertOne(m.ctx, data)
	return err
}

func (m *MongoDB) WriteRawMessage(message *RawMessage) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)
	collection := connection.Database(m.database).Collection(collectionMessageLog)
	_, err = collection.InsertOne(m.ctx, message)
	return err
}

func (m *MongoDB) ReadLog() (interface{}, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	var logMessages []FeatureLogMessage
	collection := connection.Database(m.database).Collection(collectionLog)
	filter := bson.D{}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}).SetLimit(1000)
	cursor, err := collection.Find(m.ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	if err = cursor.All(m.ctx, &logMessages); err != nil {
		return nil, err
	}
	return logMessages, nil
}

func (m *MongoDB) GetChargers() ([]models.Charger, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	var chargers []models.Charger
	collection := connection.Database(m.database).Collection(collectionChargePoints)
	cursor, err := collection.Find(m.ctx, bson.D{})
	if err != nil {
		return nil, err
	}
	if err = cursor.All(m.ctx, &chargers); err != nil {
		return nil, err
	}
	return chargers, nil
}

func (m *MongoDB) GetCharger(id string) (*models.Charger, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	var charger models.Charger
	collection := connection.Database(m.database).Collection(collectionChargePoints)
	filter := bson.D{{Key: "charge_point_id", Value: id}}
	err = collection.FindOne(m.ctx, filter).Decode(&charger)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}
	return &charger, nil
}

func (m *MongoDB) AddCharger(charger *models.Charger) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)
	collection := connection.Database(m.database).Collection(collectionChargePoints)
	_, err = collection.InsertOne(m.ctx, charger)
	return err
}

func (m *MongoDB) UpdateCharger(charger *models.Charger) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)
	collection := connection.Database(m.database).Collection(collectionChargePoints)
	filter := bson.D{{Key: "charge_point_id", Value: charger.Id}}
	update := bson.D{{Key: "$set", Value: charger}}
	_, err = collection.UpdateOne(m.ctx, filter, update)
	return err
}

func (m *MongoDB) GetConnectors() ([]*models.Connector, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	var connectors []*models.Connector
	collection := connection.Database(m.database).Collection(collectionConnectors)
	cursor, err := collection.Find(m.ctx, bson.D{})
	if err != nil {
		return nil, err
	}
	if err = cursor.All(m.ctx, &connectors); err != nil {
		return nil, err
	}
	return connectors, nil
}

func (m *MongoDB) AddConnector(connector *models.Connector) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)
	collection := connection.Database(m.database).Collection(collectionConnectors)
	_, err = collection.InsertOne(m.ctx, connector)
	return err
}

func (m *MongoDB) UpdateConnector(connector *models.Connector) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)
	collection := connection.Database(m.database).Collection(collectionConnectors)
	filter := bson.D{{Key: "connector_id", Value: connector.Id}, {Key: "charge_point_id", Value: connector.ChargePointId}}
	update := bson.D{{Key: "$set", Value: connector}}
	opts := options.Update().SetUpsert(true)
	_, err = collection.UpdateOne(m.ctx, filter, update, opts)
	return err
}

func (m *MongoDB) GetUserTag(id string) (*models.UserTag, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	var userTag models.UserTag
	collection := connection.Database(m.database).Collection(collectionUserTags)
	filter := bson.D{{Key: "id_tag", Value: id}}
	err = collection.FindOne(m.ctx, filter).Decode(&userTag)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}
	return &userTag, nil
}

func (m *MongoDB) AddUserTag(userTag *models.UserTag) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)
	collection := connection.Database(m.database).Collection(collectionUserTags)
	_, err = collection.InsertOne(m.ctx, userTag)
	return err
}

func (m *MongoDB) GetLastTransaction() (*models.Transaction, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	var transaction models.Transaction
	collection := connection.Database(m.database).Collection(collectionTransactions)
	opts := options.FindOne().SetSort(bson.D{{Key: "transaction_id", Value: -1}})
	err = collection.FindOne(m.ctx, bson.D{}, opts).Decode(&transaction)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}
	return &transaction, nil
}

func (m *MongoDB) GetTransaction(id int) (*models.Transaction, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	var transaction models.Transaction
	collection := connection.Database(m.database).Collection(collectionTransactions)
	filter := bson.D{{Key: "transaction_id", Value: id}}
	err = collection.FindOne(m.ctx, filter).Decode(&transaction)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}
	return &transaction, nil
}

func (m *MongoDB) GetActiveTransaction(chargePointId string) (*models.Transaction, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	var transaction models.Transaction
	collection := connection.Database(m.database).Collection(collectionTransactions)
	filter := bson.D{
		{Key: "charge_point_id", Value: chargePointId},
		{Key: "status", Value: bson.D{{Key: "$in", Value: bson.A{
			models.TransactionStatusStarted,
			models.TransactionStatusPendingStart,
			models.TransactionStatusRunning,
		}}}},
	}
	err = collection.FindOne(m.ctx, filter).Decode(&transaction)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}
	return &transaction, nil
}

func (m *MongoDB) AddTransaction(transaction *models.Transaction) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)
	collection := connection.Database(m.database).Collection(collectionTransactions)
	_, err = collection.InsertOne(m.ctx, transaction)
	return err
}

func (m *MongoDB) UpdateTransaction(transaction *models.Transaction) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)
	transaction.UpdatedAt = time.Now().UTC()
	collection := connection.Database(m.database).Collection(collectionTransactions)
	filter := bson.D{{Key: "transaction_id", Value: transaction.Id}}
	update := bson.D{{Key: "$set", Value: transaction}}
	_, err = collection.UpdateOne(m.ctx, filter, update)
	return err
}

func (m *MongoDB) SetTransactionStatus(id int, status models.TransactionStatus) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)
	collection := connection.Database(m.database).Collection(collectionTransactions)
	filter := bson.D{{Key: "transaction_id", Value: id}}
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "status", Value: status}, {Key: "updated_at", Value: time.Now().UTC()}}}}
	_, err = collection.UpdateOne(m.ctx, filter, update)
	return err
}

func (m *MongoDB) GetBillingFailedTransactions(since time.Time) ([]*models.Transaction, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	var transactions []*models.Transaction
	collection := connection.Database(m.database).Collection(collectionTransactions)
	filter := bson.D{
		{Key: "status", Value: models.TransactionStatusBillingFailed},
		{Key: "updated_at", Value: bson.D{{Key: "$gte", Value: since}}},
	}
	cursor, err := collection.Find(m.ctx, filter)
	if err != nil {
		return nil, err
	}
	if err = cursor.All(m.ctx, &transactions); err != nil {
		return nil, err
	}
	return transactions, nil
}

func (m *MongoDB) GetChargerTariff(chargePointId string) (*models.Tariff, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	var tariff models.Tariff
	collection := connection.Database(m.database).Collection(collectionTariffs)
	filter := bson.D{{Key: "charge_point_id", Value: chargePointId}}
	err = collection.FindOne(m.ctx, filter).Decode(&tariff)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}
	return &tariff, nil
}

func (m *MongoDB) GetDefaultTariff() (*models.Tariff, error) {
	return m.GetChargerTariff("")
}

func (m *MongoDB) GetChargeDeduction(transactionId int) (*models.WalletTransaction, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	var walletTransaction models.WalletTransaction
	collection := connection.Database(m.database).Collection(collectionWalletTxs)
	filter := bson.D{
		{Key: "transaction_id", Value: transactionId},
		{Key: "type", Value: models.WalletTransactionChargeDeduct},
	}
	err = collection.FindOne(m.ctx, filter).Decode(&walletTransaction)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}
	return &walletTransaction, nil
}

// ApplyChargeDeduction debits the user wallet and records the deduction in a
// single database transaction. Safe to call more than once per charging
// transaction: an existing CHARGE_DEDUCT record turns the call into a no-op.
// The balance is allowed to go negative.
func (m *MongoDB) ApplyChargeDeduction(userId string, transactionId int, amount float64) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	session, err := connection.StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(m.ctx)

	wallets := connection.Database(m.database).Collection(collectionWallets)
	walletTxs := connection.Database(m.database).Collection(collectionWalletTxs)
	transactions := connection.Database(m.database).Collection(collectionTransactions)

	callback := func(sc mongo.SessionContext) (interface{}, error) {
		deductFilter := bson.D{
			{Key: "transaction_id", Value: transactionId},
			{Key: "type", Value: models.WalletTransactionChargeDeduct},
		}
		count, err := walletTxs.CountDocuments(sc, deductFilter)
		if err != nil {
			return nil, err
		}
		if count == 0 {
			var wallet models.Wallet
			err = wallets.FindOne(sc, bson.D{{Key: "user_id", Value: userId}}).Decode(&wallet)
			if err != nil && err != mongo.ErrNoDocuments {
				return nil, err
			}
			// missing wallet counts as zero balance
			newBalance := wallet.Balance - amount
			opts := options.Update().SetUpsert(true)
			update := bson.D{{Key: "$set", Value: bson.D{{Key: "user_id", Value: userId}, {Key: "balance", Value: newBalance}}}}
			if _, err = wallets.UpdateOne(sc, bson.D{{Key: "user_id", Value: userId}}, update, opts); err != nil {
				return nil, err
			}
			walletTransaction := models.WalletTransaction{
				UserId:        userId,
				Amount:        -amount,
				Type:          models.WalletTransactionChargeDeduct,
				TransactionId: &transactionId,
				Time:          time.Now().UTC(),
			}
			if _, err = walletTxs.InsertOne(sc, &walletTransaction); err != nil {
				return nil, err
			}
		}
		statusUpdate := bson.D{{Key: "$set", Value: bson.D{
			{Key: "status", Value: models.TransactionStatusCompleted},
			{Key: "updated_at", Value: time.Now().UTC()},
		}}}
		if _, err = transactions.UpdateOne(sc, bson.D{{Key: "transaction_id", Value: transactionId}}, statusUpdate); err != nil {
			return nil, err
		}
		return nil, nil
	}

	_, err = session.WithTransaction(m.ctx, callback)
	return err
}

func (m *MongoDB) GetFirmwareUpdate(chargePointId string) (*models.FirmwareUpdate, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	var update models.FirmwareUpdate
	collection := connection.Database(m.database).Collection(collectionFirmwareUpdates)
	filter := bson.D{{Key: "charge_point_id", Value: chargePointId}}
	err = collection.FindOne(m.ctx, filter).Decode(&update)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}
	return &update, nil
}

func (m *MongoDB) SaveFirmwareUpdate(update *models.FirmwareUpdate) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)
	update.UpdatedAt = time.Now().UTC()
	collection := connection.Database(m.database).Collection(collectionFirmwareUpdates)
	filter := bson.D{{Key: "charge_point_id", Value: update.ChargePointId}}
	opts := options.Update().SetUpsert(true)
	_, err = collection.UpdateOne(m.ctx, filter, bson.D{{Key: "$set", Value: update}}, opts)
	return err
}

func (m *MongoDB) GetSubscriptions() ([]models.UserSubscription, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	var subscriptions []models.UserSubscription
	collection := connection.Database(m.database).Collection(collectionSubscriptions)
	cursor, err := collection.Find(m.ctx, bson.D{})
	if err != nil {
		return nil, err
	}
	if err = cursor.All(m.ctx, &subscriptions); err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (m *MongoDB) AddSubscription(subscription *models.UserSubscription) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)
	collection := connection.Database(m.database).Collection(collectionSubscriptions)
	_, err = collection.InsertOne(m.ctx, subscription)
	return err
}

func (m *MongoDB) DeleteSubscription(subscription *models.UserSubscription) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)
	collection := connection.Database(m.database).Collection(collectionSubscriptions)
	filter := bson.D{{Key: "user_id", Value: subscription.UserID}}
	_, err = collection.DeleteOne(m.ctx, filter)
	return err
}
